package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bs-education/feedback-dispatch/internal/dispatch"
	"github.com/bs-education/feedback-dispatch/internal/survey"
)

// Sender is the part of *dispatch.Dispatcher the job needs.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Delivery, error)
}

// Job sends one ended survey's results to the configured recipients.
type Job struct {
	sender     Sender
	recipients []string
	logger     *slog.Logger
}

// NewJob constructs a Job. recipients uses the same syntax as a manual
// dispatch request: role tokens and literal addresses.
func NewJob(sender Sender, recipients []string, logger *slog.Logger) *Job {
	return &Job{sender: sender, recipients: recipients, logger: logger}
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// Run dispatches surveyID. A missing survey, a survey with no production
// responses and a missing mail provider key are permanent.
func (j *Job) Run(ctx context.Context, surveyID uuid.UUID) error {
	log := j.logger.With("survey_id", surveyID)
	log.Info("job: starting")

	del, err := j.sender.Send(ctx, dispatch.Request{
		SurveyID:   surveyID,
		Recipients: j.recipients,
	})
	switch {
	case errors.Is(err, survey.ErrNotFound),
		errors.Is(err, survey.ErrNoResponses),
		errors.Is(err, dispatch.ErrMailerNotConfigured):
		return permanentError{fmt.Errorf("job: %w", err)}
	case err != nil:
		return fmt.Errorf("job: dispatch: %w", err)
	}

	log.Info("job: complete",
		"status", del.Status,
		"sent", del.SentCount,
		"failed", del.FailedCount,
	)
	return nil
}
