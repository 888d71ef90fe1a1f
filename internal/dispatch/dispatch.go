// Package dispatch turns one "send survey results" request into per-recipient
// emails: it loads the survey graph, resolves recipients, renders each
// recipient's scoped report, delivers through the mail provider under a rate
// ceiling, and writes one audit row per run.
//
// A run is request-scoped. Nothing is cached between runs and there is no
// mid-run cancellation: once delivery starts it finishes the job list even if
// the caller goes away.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bs-education/feedback-dispatch/internal/aggregate"
	"github.com/bs-education/feedback-dispatch/internal/alert"
	"github.com/bs-education/feedback-dispatch/internal/db"
	"github.com/bs-education/feedback-dispatch/internal/email"
	"github.com/bs-education/feedback-dispatch/internal/recipients"
	"github.com/bs-education/feedback-dispatch/internal/report"
	"github.com/bs-education/feedback-dispatch/internal/store"
	"github.com/bs-education/feedback-dispatch/internal/survey"
)

// ErrMailerNotConfigured is returned before any read when no provider key is set.
var ErrMailerNotConfigured = errors.New("dispatch: mail provider not configured")

// ─── CONFIG ───────────────────────────────────────────────────────────────────

type Strategy string

const (
	// StrategyBatched sends up to BatchSize messages concurrently and waits
	// for the whole batch before starting the next.
	StrategyBatched Strategy = "batched"
	// StrategySequential sends one message at a time with Interval between.
	StrategySequential Strategy = "sequential"
)

type Config struct {
	Strategy  Strategy
	BatchSize int
	// Interval is the minimum spacing between provider calls once the first
	// batch has gone out.
	Interval time.Duration

	IncludeAdmin bool
	ReplyTo      string
	DashboardURL string
}

// Preset returns the batch size and interval for s.
func Preset(s Strategy) (int, time.Duration) {
	if s == StrategySequential {
		return 1, 600 * time.Millisecond
	}
	return 5, 500 * time.Millisecond
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyBatched
	}
	size, interval := Preset(c.Strategy)
	if c.BatchSize <= 0 {
		c.BatchSize = size
	}
	if c.Interval <= 0 {
		c.Interval = interval
	}
	return c
}

// ─── RESULT TYPES ─────────────────────────────────────────────────────────────

type Scope string

const (
	ScopeFull     Scope = "full"
	ScopeFiltered Scope = "filtered"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
	StatusSkipped   Status = "skipped"
	StatusDuplicate Status = "duplicate_blocked"
)

// Skip and duplicate reasons recorded in the audit payload.
const (
	ReasonNoResponses   = "해당 강사의 세션에 응답이 없음"
	ReasonAdminExcluded = "admin_excluded"
	ReasonDuplicate     = "동일 이메일 중복 발송 차단"
)

// Outcome is one recipient's line in the result and the audit payload.
type Outcome struct {
	Email        string     `json:"email"`
	Role         string     `json:"role"`
	Scope        Scope      `json:"dataScope,omitempty"`
	InstructorID *uuid.UUID `json:"instructorId"`
	Status       Status     `json:"status"`
	EmailID      string     `json:"emailId,omitempty"`
	Error        string     `json:"error,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// RunStatus is the overall status stored on the audit row.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Delivery is the result of a send-mode run.
type Delivery struct {
	SurveyID    uuid.UUID
	Status      RunStatus
	SentCount   int
	FailedCount int
	// Results lists the provider attempts; Details lists every recipient,
	// including skipped and duplicate entries.
	Results []Outcome
	Details []Outcome
	// LogID is set when the audit row was written.
	LogID *uuid.UUID
}

// Preview is the result of a preview-mode run. Nothing is sent or logged.
type Preview struct {
	Subject      string
	HTML         string
	Text         string
	Recipients   []string
	Note         string
	InstructorID *uuid.UUID
}

const (
	previewNoteFiltered = "미리보기: 강사님께는 본인의 과목 결과만 전송됩니다."
	previewNoteFull     = "미리보기: 전체 결과가 표시됩니다."
)

// Request is one dispatch invocation.
type Request struct {
	SurveyID            uuid.UUID
	Recipients          []string
	TargetInstructorIDs []uuid.UUID
}

// ─── DISPATCHER ───────────────────────────────────────────────────────────────

// AuditWriter persists the run's audit row. *store.Store satisfies it.
type AuditWriter interface {
	RecordEmailLog(ctx context.Context, p store.RecordEmailLogParams) (db.EmailLog, error)
}

type Dispatcher struct {
	reader   *survey.Reader
	resolver *recipients.Resolver
	sender   email.Sender
	audit    AuditWriter
	alerts   alert.Reporter
	cfg      Config
	logger   *slog.Logger

	// now is swapped in tests.
	now func() time.Time
}

// New builds a Dispatcher. sender may be nil, in which case every run fails
// with ErrMailerNotConfigured.
func New(
	q db.Querier,
	sender email.Sender,
	audit AuditWriter,
	alerts alert.Reporter,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if alerts == nil {
		alerts = alert.Nop{}
	}
	return &Dispatcher{
		reader:   survey.NewReader(q, logger),
		resolver: recipients.NewResolver(q, logger),
		sender:   sender,
		audit:    audit,
		alerts:   alerts,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// job is one resolved recipient and the view of the data they receive.
type job struct {
	recipient recipients.Recipient
	scope     Scope
	filter    *uuid.UUID
}

// load runs the steps shared by preview and send: configuration check, graph
// read, recipient resolution.
func (d *Dispatcher) load(ctx context.Context, req Request) (*survey.Graph, recipients.Resolution, error) {
	if d.sender == nil {
		return nil, recipients.Resolution{}, ErrMailerNotConfigured
	}
	g, err := d.reader.Load(ctx, req.SurveyID)
	if err != nil {
		return nil, recipients.Resolution{}, err
	}
	res := d.resolver.Resolve(ctx, recipients.Request{
		Recipients:          req.Recipients,
		Instructors:         g.Instructors,
		TargetInstructorIDs: req.TargetInstructorIDs,
	})
	return g, res, nil
}

func (d *Dispatcher) jobs(res recipients.Resolution) []job {
	out := make([]job, 0, len(res.Recipients))
	for _, rc := range res.Recipients {
		j := job{recipient: rc, scope: ScopeFiltered}
		switch rc.Role {
		case db.RoleDirector, db.RoleManager, db.RoleAdmin:
			j.scope = ScopeFull
		default:
			if rc.InstructorID.Valid {
				id := rc.InstructorID.UUID
				j.filter = &id
			}
		}
		out = append(out, j)
	}
	return out
}

// ─── PREVIEW ──────────────────────────────────────────────────────────────────

// Preview renders the report a representative recipient would get: the first
// resolved recipient with an instructor link decides the filter.
func (d *Dispatcher) Preview(ctx context.Context, req Request) (Preview, error) {
	g, res, err := d.load(ctx, req)
	if err != nil {
		return Preview{}, err
	}

	var filter *uuid.UUID
	for _, j := range d.jobs(res) {
		if j.filter != nil {
			filter = j.filter
			break
		}
	}

	content, err := d.render(g, filter)
	if err != nil {
		return Preview{}, err
	}

	note := previewNoteFull
	if filter != nil {
		note = previewNoteFiltered
	}
	return Preview{
		Subject:      content.Subject,
		HTML:         content.HTML,
		Text:         content.Text,
		Recipients:   res.Emails(),
		Note:         note,
		InstructorID: filter,
	}, nil
}

// ─── SEND ─────────────────────────────────────────────────────────────────────

// send is one planned provider call. index is the position in Details.
type send struct {
	job     job
	content report.Content
	index   int
}

// Send delivers the report to every resolved recipient and writes the audit
// row. Per-recipient failures never abort the run.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Delivery, error) {
	g, res, err := d.load(ctx, req)
	if err != nil {
		return Delivery{}, err
	}

	var (
		details  []Outcome
		sends    []send
		rendered = make(map[uuid.NullUUID]report.Content)
	)

	for _, j := range d.jobs(res) {
		out := outcomeFor(j)

		if j.recipient.Role == db.RoleAdmin && !d.cfg.IncludeAdmin {
			out.Status, out.Reason = StatusSkipped, ReasonAdminExcluded
			d.logSkip(out)
			details = append(details, out)
			continue
		}
		if j.filter != nil && len(g.ResponseSet(j.filter)) == 0 {
			out.Status, out.Reason = StatusSkipped, ReasonNoResponses
			d.logSkip(out)
			details = append(details, out)
			continue
		}

		key := uuid.NullUUID{}
		if j.filter != nil {
			key = uuid.NullUUID{UUID: *j.filter, Valid: true}
		}
		content, ok := rendered[key]
		if !ok {
			content, err = d.render(g, j.filter)
			if err != nil {
				return Delivery{}, err
			}
			rendered[key] = content
		}

		sends = append(sends, send{job: j, content: content, index: len(details)})
		details = append(details, out)
	}

	for _, dup := range res.Duplicates {
		out := Outcome{Email: dup.Email, Role: roleLabel(dup.Role), Status: StatusDuplicate, Reason: ReasonDuplicate}
		d.logger.Info("dispatch: duplicate blocked", "email", dup.Email)
		details = append(details, out)
	}

	for i, o := range d.deliver(ctx, sends) {
		details[sends[i].index] = o
	}

	delivery := Delivery{SurveyID: g.Survey.ID, Details: details}
	for _, o := range details {
		switch o.Status {
		case StatusSent:
			delivery.SentCount++
		case StatusFailed, StatusError:
			delivery.FailedCount++
		default:
			continue
		}
		delivery.Results = append(delivery.Results, o)
	}
	delivery.Status = runStatus(delivery.SentCount, delivery.FailedCount)

	d.logger.Info("dispatch: run complete",
		"survey_id", g.Survey.ID,
		"status", delivery.Status,
		"sent", delivery.SentCount,
		"failed", delivery.FailedCount,
		"skipped", count(details, StatusSkipped),
		"duplicate_blocked", count(details, StatusDuplicate),
	)

	delivery.LogID = d.writeAudit(ctx, g, delivery)
	return delivery, nil
}

// deliver runs the provider calls and returns one outcome per send, in order.
// Batches run one after another; calls inside a batch run concurrently and
// every call waits on the shared limiter.
func (d *Dispatcher) deliver(ctx context.Context, sends []send) []Outcome {
	outcomes := make([]Outcome, len(sends))
	if len(sends) == 0 {
		return outcomes
	}

	// Sends outlive the caller; the limiter still paces them.
	sendCtx := context.WithoutCancel(ctx)
	limiter := rate.NewLimiter(rate.Every(d.cfg.Interval), d.cfg.BatchSize)

	for start := 0; start < len(sends); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(sends))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				if err := limiter.Wait(sendCtx); err != nil {
					outcomes[i] = d.failure(sends[i], err)
					return nil
				}
				outcomes[i] = d.sendOne(sendCtx, sends[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return outcomes
}

func (d *Dispatcher) sendOne(ctx context.Context, s send) Outcome {
	out := outcomeFor(s.job)
	log := d.logger.With(
		"email", out.Email,
		"role", out.Role,
		"scope", out.Scope,
		"instructor_id", out.InstructorID,
	)
	log.Info("dispatch: sending")

	res, err := d.sender.Send(ctx, email.Message{
		To:      s.job.recipient.Email,
		Subject: s.content.Subject,
		HTML:    s.content.HTML,
		Text:    s.content.Text,
		ReplyTo: d.cfg.ReplyTo,
	})
	if err != nil {
		out = d.failure(s, err)
		log.Warn("dispatch: failed", "status", out.Status, "error", err)
		return out
	}

	out.Status = StatusSent
	out.EmailID = res.ID
	log.Info("dispatch: sent", "email_id", res.ID)
	return out
}

func (d *Dispatcher) failure(s send, err error) Outcome {
	out := outcomeFor(s.job)
	out.Status = StatusError
	if email.IsRejection(err) {
		out.Status = StatusFailed
	}
	out.Error = err.Error()
	return out
}

func (d *Dispatcher) logSkip(o Outcome) {
	d.logger.Info("dispatch: skipped",
		"email", o.Email,
		"role", o.Role,
		"scope", o.Scope,
		"instructor_id", o.InstructorID,
		"reason", o.Reason,
	)
}

// ─── RENDERING ────────────────────────────────────────────────────────────────

func (d *Dispatcher) render(g *survey.Graph, filter *uuid.UUID) (report.Content, error) {
	s := g.Survey
	in := report.Input{
		Title:              s.DisplayTitle(),
		CourseName:         s.CourseName.String,
		InstructorNames:    g.InstructorNames(),
		Result:             aggregate.Aggregate(g.Answers, g.ResponseSet(filter)),
		SessionNames:       g.SessionName,
		SessionInstructors: g.SessionInstructorName,
		GeneratedAt:        d.now(),
		DashboardURL:       d.cfg.DashboardURL,
	}
	if s.EducationYear.Valid {
		in.Year = &s.EducationYear.Int
	}
	if s.EducationRound.Valid {
		in.Round = &s.EducationRound.Int
	}

	content, err := report.Build(in)
	if err != nil {
		return report.Content{}, fmt.Errorf("dispatch: build content: %w", err)
	}
	return content, nil
}

// ─── HELPERS ──────────────────────────────────────────────────────────────────

func outcomeFor(j job) Outcome {
	return Outcome{
		Email:        j.recipient.Email,
		Role:         roleLabel(j.recipient.Role),
		Scope:        j.scope,
		InstructorID: j.filter,
	}
}

func roleLabel(r db.Role) string {
	if r == "" {
		return "unknown"
	}
	return string(r)
}

func runStatus(sent, failed int) RunStatus {
	switch {
	case sent > 0 && failed == 0:
		return RunSuccess
	case sent > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

func count(outcomes []Outcome, s Status) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}
