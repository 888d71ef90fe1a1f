// Package api implements the HTTP layer of the feedback dispatch service.
// Handlers are methods on *Server. Each handler file is responsible for one
// resource group and only imports the dependencies it actually uses.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/bs-education/feedback-dispatch/internal/alert"
	"github.com/bs-education/feedback-dispatch/internal/db"
	"github.com/bs-education/feedback-dispatch/internal/dispatch"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// ServiceAPIKey, when set, must be sent as X-Service-Key on every /api
	// request.
	ServiceAPIKey string

	// Env is "production", "staging", or "development".
	Env string
}

// Dispatcher runs preview and send mode. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Preview(ctx context.Context, req dispatch.Request) (dispatch.Preview, error)
	Send(ctx context.Context, req dispatch.Request) (dispatch.Delivery, error)
}

// Settings reads and writes the automatic-dispatch toggle. *store.Store
// satisfies it.
type Settings interface {
	AutoEmailEnabled(ctx context.Context) (bool, error)
	SetAutoEmailEnabled(ctx context.Context, enabled bool) error
}

// StatsGenerator recomputes course statistics. *coursestats.Generator
// satisfies it.
type StatsGenerator interface {
	Generate(ctx context.Context, year int) (int, error)
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	// q handles all single-query reads. Injected directly, no repo wrapper.
	q db.Querier

	dispatcher Dispatcher
	settings   Settings
	stats      StatsGenerator

	// alerts receives unexpected handler errors.
	alerts alert.Reporter

	validate *validator.Validate
	cfg      Config
	logger   *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.Server.
func NewServer(
	q db.Querier,
	dispatcher Dispatcher,
	settings Settings,
	stats StatsGenerator,
	alerts alert.Reporter,
	cfg Config,
	logger *slog.Logger,
) http.Handler {
	if alerts == nil {
		alerts = alert.Nop{}
	}
	s := &Server{
		q:          q,
		dispatcher: dispatcher,
		settings:   settings,
		stats:      stats,
		alerts:     alerts,
		validate:   newValidator(),
		cfg:        cfg,
		logger:     logger,
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ── API ───────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireServiceKey)

		// Dispatch keeps running after the client goes away, so it gets a
		// longer budget than the read endpoints.
		r.With(middleware.Timeout(5*time.Minute)).
			Post("/send-survey-results", s.handleSendSurveyResults)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/email-logs", s.handleListEmailLogs)
			r.Get("/email-recipients", s.handleListEmailRecipients)

			r.Get("/settings/auto-email", s.handleGetAutoEmail)
			r.Put("/settings/auto-email", s.handlePutAutoEmail)

			r.Post("/course-statistics/generate", s.handleGenerateCourseStats)
		})
	})

	return r
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
