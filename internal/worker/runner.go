// Package worker sends survey results automatically once a survey has ended.
// A poller finds ended surveys without an email log and, while the
// auto_email_enabled setting is on, queues them for a pool of goroutines that
// run the same dispatch a manual request would.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bs-education/feedback-dispatch/internal/alert"
	"github.com/bs-education/feedback-dispatch/internal/db"
)

// ─── DEPENDENCIES ─────────────────────────────────────────────────────────────

// Settings reads the automatic-dispatch switch. *store.Store satisfies it.
type Settings interface {
	AutoEmailEnabled(ctx context.Context) (bool, error)
}

// ─── RUNNER ───────────────────────────────────────────────────────────────────

// RunnerConfig holds tuning parameters for the Runner. Zero fields take the
// values from DefaultRunnerConfig.
type RunnerConfig struct {
	// Workers is the number of concurrent job goroutines. Default: 2.
	Workers int

	// PollInterval is how often the poller looks for ended surveys.
	// Default: 5m.
	PollInterval time.Duration

	// JobTimeout is the per-attempt context deadline. Default: 5m.
	JobTimeout time.Duration

	// MaxRetries is the number of attempts before a survey is given up on
	// for the life of the process. Default: 3.
	MaxRetries int

	// Lookback bounds how long ago a survey may have ended and still be sent.
	// Default: 168h.
	Lookback time.Duration

	// Backoff is the base of the exponential back-off between attempts:
	// Backoff*2, Backoff*4, ... Default: 1s.
	Backoff time.Duration
}

// DefaultRunnerConfig returns safe production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:      2,
		PollInterval: 5 * time.Minute,
		JobTimeout:   5 * time.Minute,
		MaxRetries:   3,
		Lookback:     7 * 24 * time.Hour,
		Backoff:      time.Second,
	}
}

// Runner manages the poller and a pool of worker goroutines.
type Runner struct {
	job      *Job
	q        db.Querier
	settings Settings
	alerts   alert.Reporter
	cfg      RunnerConfig
	logger   *slog.Logger

	queue chan uuid.UUID
	wg    sync.WaitGroup

	mu sync.Mutex
	// pending holds queued or running surveys; settled holds surveys that
	// completed or failed for good. Neither is queued again by the poller.
	pending map[uuid.UUID]bool
	settled map[uuid.UUID]bool

	now func() time.Time
}

// NewRunner constructs a Runner. Call Start() to begin processing.
func NewRunner(
	job *Job,
	q db.Querier,
	settings Settings,
	alerts alert.Reporter,
	cfg RunnerConfig,
	logger *slog.Logger,
) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if alerts == nil {
		alerts = alert.Nop{}
	}

	return &Runner{
		job:      job,
		q:        q,
		settings: settings,
		alerts:   alerts,
		cfg:      cfg,
		logger:   logger,
		// Buffer = Workers*2 so the poller rarely has to leave work for the
		// next cycle.
		queue:   make(chan uuid.UUID, cfg.Workers*2),
		pending: make(map[uuid.UUID]bool),
		settled: make(map[uuid.UUID]bool),
		now:     time.Now,
	}
}

// Enqueue queues surveyID unless it is already queued, running or settled.
func (r *Runner) Enqueue(_ context.Context, surveyID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[surveyID] || r.settled[surveyID] {
		return nil
	}
	select {
	case r.queue <- surveyID:
		r.pending[surveyID] = true
		r.logger.Info("worker: enqueued survey", "survey_id", surveyID)
		return nil
	default:
		return errors.New("worker: queue is full, survey will be picked up by poller")
	}
}

// Start launches the worker pool and the poller. It blocks until ctx is
// cancelled. Call it in a goroutine from main:
//
//	go runner.Start(ctx)
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker: starting", "workers", r.cfg.Workers, "poll_interval", r.cfg.PollInterval)

	for i := range r.cfg.Workers {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	r.wg.Add(1)
	go r.poll(ctx)

	r.wg.Wait()
	r.logger.Info("worker: stopped")
}

func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.With("worker_id", id)
	log.Info("worker: goroutine started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker: goroutine stopping")
			return
		case surveyID := <-r.queue:
			settled := r.runWithRetry(ctx, surveyID, log)
			r.finish(surveyID, settled)
		}
	}
}

func (r *Runner) finish(surveyID uuid.UUID, settled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, surveyID)
	if settled {
		r.settled[surveyID] = true
	}
}

func (r *Runner) poll(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	enabled, err := r.settings.AutoEmailEnabled(ctx)
	if err != nil {
		r.logger.Error("worker: reading auto-email setting failed", "error", err)
		return
	}
	if !enabled {
		r.logger.Debug("worker: auto-email disabled, skipping poll")
		return
	}

	due, err := r.q.ListSurveysDueForAutoEmail(ctx, r.now().Add(-r.cfg.Lookback))
	if err != nil {
		r.logger.Error("worker: poll failed", "error", err)
		return
	}
	for _, s := range due {
		if err := r.Enqueue(ctx, s.ID); err != nil {
			// Queue full; the next poll picks it up.
			r.logger.Debug("worker: deferring survey", "survey_id", s.ID)
			return
		}
	}
}

// runWithRetry executes the job up to MaxRetries times and reports whether
// the survey is settled. Permanent errors stop immediately.
func (r *Runner) runWithRetry(ctx context.Context, surveyID uuid.UUID, log *slog.Logger) bool {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
		lastErr = r.job.Run(jobCtx, surveyID)
		cancel()

		if lastErr == nil {
			log.Info("worker: job completed", "survey_id", surveyID, "attempt", attempt)
			return true
		}

		if IsPermanent(lastErr) {
			log.Warn("worker: job will not be retried", "survey_id", surveyID, "error", lastErr)
			return true
		}

		log.Warn("worker: job attempt failed",
			"survey_id", surveyID,
			"attempt", attempt,
			"max", r.cfg.MaxRetries,
			"error", lastErr,
		)

		if attempt < r.cfg.MaxRetries {
			// Exponential back-off: 2, 4, 8 … times Backoff.
			backoff := time.Duration(1<<attempt) * r.cfg.Backoff
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
		}
	}

	log.Error("worker: job permanently failed", "survey_id", surveyID, "error", lastErr)
	r.alerts.Error(ctx, lastErr, map[string]any{"survey_id": surveyID.String(), "stage": "auto_email"})
	return true
}
