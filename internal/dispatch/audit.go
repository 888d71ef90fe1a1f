package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/bs-education/feedback-dispatch/internal/aggregate"
	"github.com/bs-education/feedback-dispatch/internal/store"
	"github.com/bs-education/feedback-dispatch/internal/survey"
)

// ─── PAYLOAD SHAPES ───────────────────────────────────────────────────────────

// AuditPayload is stored in email_logs.results.
type AuditPayload struct {
	EmailResults     []Outcome                                        `json:"emailResults"`
	RecipientDetails []Outcome                                        `json:"recipientDetails"`
	SurveyInfo       SurveyInfo                                       `json:"survey_info"`
	QuestionAnalysis *orderedmap.OrderedMap[string, QuestionAnalysis] `json:"question_analysis"`
	Statistics       Statistics                                       `json:"statistics"`
	Metadata         Metadata                                         `json:"metadata"`
}

type SurveyInfo struct {
	Year          *int   `json:"year"`
	Round         *int   `json:"round"`
	Title         string `json:"title"`
	Course        string `json:"course"`
	Instructor    string `json:"instructor"`
	AuthorName    string `json:"author_name"`
	AuthorEmail   string `json:"author_email"`
	ResponseCount int    `json:"response_count"`
}

type QuestionAnalysis struct {
	Question         string          `json:"question"`
	Type             string          `json:"type"`
	SatisfactionType string          `json:"satisfaction_type,omitempty"`
	Answers          []any           `json:"answers"`
	Stats            aggregate.Stats `json:"stats"`
}

type RoleStats struct {
	Total            int `json:"total"`
	Sent             int `json:"sent"`
	Failed           int `json:"failed"`
	DuplicateBlocked int `json:"duplicate_blocked"`
	Skipped          int `json:"skipped"`
}

// Statistics summarises a run. ByScope counts sent messages per data scope.
type Statistics struct {
	TotalRecipients  int                                        `json:"total_recipients"`
	Sent             int                                        `json:"sent"`
	Failed           int                                        `json:"failed"`
	DuplicateBlocked int                                        `json:"duplicate_blocked"`
	Skipped          int                                        `json:"skipped"`
	ByRole           *orderedmap.OrderedMap[string, *RoleStats] `json:"by_role"`
	ByScope          *orderedmap.OrderedMap[Scope, int]         `json:"by_scope"`
}

type Metadata struct {
	SentAt           time.Time `json:"sent_at"`
	Strategy         Strategy  `json:"strategy"`
	BatchSize        int       `json:"batch_size"`
	RateLimitDelayMS int64     `json:"rate_limit_delay_ms"`
}

// ─── BUILD ────────────────────────────────────────────────────────────────────

// BuildAuditPayload assembles the audit document. Question analysis always
// covers every production response, whatever each recipient was sent.
func (d *Dispatcher) BuildAuditPayload(g *survey.Graph, del Delivery) AuditPayload {
	s := g.Survey
	info := SurveyInfo{
		Title:         s.DisplayTitle(),
		Course:        s.CourseName.String,
		Instructor:    "미등록",
		AuthorName:    orUnknown(s.CreatedByName.String),
		AuthorEmail:   orUnknown(s.CreatedByEmail.String),
		ResponseCount: len(g.Responses),
	}
	if names := g.InstructorNames(); len(names) > 0 {
		info.Instructor = strings.Join(names, ", ")
	}
	if s.EducationYear.Valid {
		info.Year = &s.EducationYear.Int
	}
	if s.EducationRound.Valid {
		info.Round = &s.EducationRound.Int
	}

	full := aggregate.Aggregate(g.Answers, g.ResponseSet(nil))
	analysis := orderedmap.New[string, QuestionAnalysis]()
	for p := full.Questions.Oldest(); p != nil; p = p.Next() {
		q := p.Value
		analysis.Set(q.ID.String(), QuestionAnalysis{
			Question:         q.Text,
			Type:             string(q.Type),
			SatisfactionType: string(q.Category),
			Answers:          answersOf(q),
			Stats:            q.Stats(),
		})
	}

	return AuditPayload{
		EmailResults:     nonNil(del.Results),
		RecipientDetails: nonNil(del.Details),
		SurveyInfo:       info,
		QuestionAnalysis: analysis,
		Statistics:       statistics(del),
		Metadata: Metadata{
			SentAt:           d.now().UTC(),
			Strategy:         d.cfg.Strategy,
			BatchSize:        d.cfg.BatchSize,
			RateLimitDelayMS: d.cfg.Interval.Milliseconds(),
		},
	}
}

func statistics(del Delivery) Statistics {
	st := Statistics{
		TotalRecipients:  len(del.Details),
		Sent:             del.SentCount,
		Failed:           del.FailedCount,
		DuplicateBlocked: count(del.Details, StatusDuplicate),
		Skipped:          count(del.Details, StatusSkipped),
		ByRole:           orderedmap.New[string, *RoleStats](),
		ByScope:          orderedmap.New[Scope, int](),
	}
	for _, o := range del.Details {
		rs, ok := st.ByRole.Get(o.Role)
		if !ok {
			rs = &RoleStats{}
			st.ByRole.Set(o.Role, rs)
		}
		rs.Total++
		switch o.Status {
		case StatusSent:
			rs.Sent++
		case StatusFailed, StatusError:
			rs.Failed++
		case StatusDuplicate:
			rs.DuplicateBlocked++
		case StatusSkipped:
			rs.Skipped++
		}

		if o.Scope == "" {
			continue
		}
		n, _ := st.ByScope.Get(o.Scope)
		if o.Status == StatusSent {
			n++
		}
		st.ByScope.Set(o.Scope, n)
	}
	return st
}

// ─── WRITE ────────────────────────────────────────────────────────────────────

// writeAudit inserts the run's single audit row. Failure is logged and
// reported, never returned: mail that went out stays sent.
func (d *Dispatcher) writeAudit(ctx context.Context, g *survey.Graph, del Delivery) *uuid.UUID {
	if d.audit == nil {
		return nil
	}

	row, err := d.audit.RecordEmailLog(context.WithoutCancel(ctx), store.RecordEmailLogParams{
		SurveyID:    g.Survey.ID,
		Recipients:  attempted(del.Results),
		Status:      string(del.Status),
		SentCount:   del.SentCount,
		FailedCount: del.FailedCount,
		Results:     d.BuildAuditPayload(g, del),
	})
	if err != nil {
		d.logger.Error("dispatch: audit write failed", "survey_id", g.Survey.ID, "error", err)
		d.alerts.Error(ctx, err, map[string]any{"survey_id": g.Survey.ID.String(), "stage": "audit"})
		return nil
	}
	return &row.ID
}

// ─── HELPERS ──────────────────────────────────────────────────────────────────

// attempted lists each address that reached the provider, once.
func attempted(results []Outcome) []string {
	seen := make(map[string]bool, len(results))
	out := make([]string, 0, len(results))
	for _, r := range results {
		if !seen[r.Email] {
			seen[r.Email] = true
			out = append(out, r.Email)
		}
	}
	return out
}

func answersOf(q *aggregate.Question) []any {
	out := make([]any, 0)
	switch {
	case q.Type.IsNumeric():
		for _, v := range q.Scores {
			out = append(out, v)
		}
	case q.Type.IsChoice():
		for _, v := range q.Labels {
			out = append(out, v)
		}
	default:
		for _, v := range q.Comments {
			out = append(out, v)
		}
	}
	return out
}

func nonNil(o []Outcome) []Outcome {
	if o == nil {
		return []Outcome{}
	}
	return o
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
