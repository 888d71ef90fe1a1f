package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/volatiletech/null/v8"

	"github.com/bs-education/feedback-dispatch/internal/db"
	"github.com/bs-education/feedback-dispatch/internal/dispatch"
	"github.com/bs-education/feedback-dispatch/internal/survey"
)

// dispatchFlags are shared by preview and send.
type dispatchFlags struct {
	to          []string
	instructors []string
	asJSON      bool
}

func (f *dispatchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.to, "to", []string{"director", "manager", "instructor"},
		"recipients: role tokens (director, manager, instructor, admin) or email addresses")
	cmd.Flags().StringSliceVar(&f.instructors, "instructor", nil, "limit the instructor token to these instructor ids")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the result as JSON")
}

func (f *dispatchFlags) request(surveyArg string) (dispatch.Request, error) {
	id, err := uuid.Parse(surveyArg)
	if err != nil {
		return dispatch.Request{}, fmt.Errorf("invalid survey id %q: %w", surveyArg, err)
	}
	targets, err := parseIDs(f.instructors)
	if err != nil {
		return dispatch.Request{}, err
	}
	return dispatch.Request{SurveyID: id, Recipients: f.to, TargetInstructorIDs: targets}, nil
}

// ─── preview ──────────────────────────────────────────────────────────────────

func newPreviewCmd(e *env) *cobra.Command {
	var flags dispatchFlags
	var html bool

	cmd := &cobra.Command{
		Use:   "preview <survey-id>",
		Short: "Render the results email without sending or logging it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0])
			if err != nil {
				return err
			}
			p, err := e.app.Dispatcher.Preview(cmd.Context(), req)
			if err != nil {
				return explain(err)
			}
			if flags.asJSON {
				return writeJSON(cmd.OutOrStdout(), p)
			}
			return printPreview(cmd.OutOrStdout(), p, html)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&html, "html", false, "print the HTML body instead of the text body")
	return cmd
}

func printPreview(w io.Writer, p dispatch.Preview, html bool) error {
	body := p.Text
	if html {
		body = p.HTML
	}
	_, err := fmt.Fprintf(w, "Subject:    %s\nRecipients: %s\nNote:       %s\n\n%s\n",
		p.Subject, strings.Join(p.Recipients, ", "), p.Note, body)
	return err
}

// ─── send ─────────────────────────────────────────────────────────────────────

func newSendCmd(e *env) *cobra.Command {
	var flags dispatchFlags

	cmd := &cobra.Command{
		Use:   "send <survey-id>",
		Short: "Send the results email to every resolved recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0])
			if err != nil {
				return err
			}
			del, err := e.app.Dispatcher.Send(cmd.Context(), req)
			if err != nil {
				return explain(err)
			}
			if flags.asJSON {
				return writeJSON(cmd.OutOrStdout(), del)
			}
			return printDelivery(cmd.OutOrStdout(), del)
		},
	}
	flags.register(cmd)
	return cmd
}

func printDelivery(w io.Writer, del dispatch.Delivery) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EMAIL\tROLE\tSCOPE\tSTATUS\tDETAIL")
	for _, o := range del.Details {
		detail := o.EmailID
		if o.Error != "" {
			detail = o.Error
		} else if o.Reason != "" {
			detail = o.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.Email, o.Role, o.Scope, o.Status, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%s: %d sent, %d failed\n", del.Status, del.SentCount, del.FailedCount)
	return err
}

// ─── course-stats ─────────────────────────────────────────────────────────────

func newCourseStatsCmd(e *env) *cobra.Command {
	var year int

	cmd := &cobra.Command{
		Use:   "course-stats",
		Short: "Recompute course_statistics for one education year",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := e.app.Stats.Generate(cmd.Context(), year)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d: %d course rows written\n", year, n)
			return err
		},
	}
	cmd.Flags().IntVar(&year, "year", time.Now().Year(), "education year")
	return cmd
}

// ─── logs ─────────────────────────────────────────────────────────────────────

func newLogsCmd(e *env) *cobra.Command {
	var (
		surveyArg string
		status    string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List recent dispatch audit rows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := db.ListEmailLogsParams{Limit: limit}
			if surveyArg != "" {
				id, err := uuid.Parse(surveyArg)
				if err != nil {
					return fmt.Errorf("invalid survey id %q: %w", surveyArg, err)
				}
				params.SurveyID = uuid.NullUUID{UUID: id, Valid: true}
			}
			if status != "" {
				params.Status = null.StringFrom(status)
			}

			logs, err := e.app.Queries.ListEmailLogs(cmd.Context(), params)
			if err != nil {
				return err
			}
			return printLogs(cmd.OutOrStdout(), logs)
		},
	}
	cmd.Flags().StringVar(&surveyArg, "survey", "", "only this survey")
	cmd.Flags().StringVar(&status, "status", "", "only this run status (success, partial, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func printLogs(w io.Writer, logs []db.EmailLog) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSURVEY\tSTATUS\tSENT\tFAILED\tRECIPIENTS")
	for _, l := range logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			l.CreatedAt.Format(time.DateTime), l.SurveyID, l.Status,
			l.SentCount, l.FailedCount, strings.Join(l.Recipients, ","))
	}
	return tw.Flush()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid instructor id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// explain turns the run-aborting errors into operator-facing messages.
func explain(err error) error {
	switch {
	case errors.Is(err, survey.ErrNoResponses):
		return fmt.Errorf("survey has no responses, nothing sent: %w", err)
	case errors.Is(err, dispatch.ErrMailerNotConfigured):
		return fmt.Errorf("set the mail provider API key first: %w", err)
	}
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
