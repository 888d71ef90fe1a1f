// Package alert forwards unexpected failures to an error tracker.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/rollbar/rollbar-go"
)

// Reporter receives failures that an operator should look at but that do not
// change the outcome of the current request.
type Reporter interface {
	Error(ctx context.Context, err error, extras map[string]any)
	Close(ctx context.Context) error
}

// Nop drops every report.
type Nop struct{}

func (Nop) Error(context.Context, error, map[string]any) {}
func (Nop) Close(context.Context) error                 { return nil }

// Rollbar reports through an asynchronous rollbar client.
type Rollbar struct {
	client *rollbar.Client
	logger *slog.Logger
}

// New returns a Rollbar reporter when token is set and Nop otherwise.
func New(token, env, codeVersion string, logger *slog.Logger) Reporter {
	if token == "" {
		return Nop{}
	}
	c := rollbar.NewAsync(token, env, codeVersion, "", "")
	c.SetServerRoot("github.com/bs-education/feedback-dispatch")
	return &Rollbar{client: c, logger: logger}
}

func (r *Rollbar) Error(ctx context.Context, err error, extras map[string]any) {
	if err == nil {
		return
	}
	r.logger.Error("alert: reporting", "error", err)
	r.client.ErrorWithExtrasAndContext(ctx, rollbar.ERR, err, extras)
}

// Close flushes queued reports, giving up when ctx is done.
func (r *Rollbar) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.client.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return nil
	}
}
