// Package survey loads the read-only survey graph a dispatch run works from:
// the survey row, its sessions and instructors, production responses and their
// answers.
package survey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/bs-education/feedback-dispatch/internal/aggregate"
	"github.com/bs-education/feedback-dispatch/internal/db"
)

// ─── ERRORS ───────────────────────────────────────────────────────────────────

var (
	// ErrNotFound is returned when the survey row does not exist. Nothing
	// else is read.
	ErrNotFound = errors.New("survey: not found")

	// ErrNoResponses is returned when the survey has no production
	// responses. Callers treat it as "nothing to send", not bad input.
	ErrNoResponses = errors.New("survey: no responses")
)

// ─── TYPES ────────────────────────────────────────────────────────────────────

type Instructor struct {
	ID    uuid.UUID
	Name  string
	Email string
}

// Graph is everything one dispatch run needs, fetched fresh per run.
type Graph struct {
	Survey    db.Survey
	Responses []db.Response
	Answers   []aggregate.Answer

	// Instructors is deduplicated by id in discovery order: survey-level
	// assignment, survey_instructors, then session assignments.
	Instructors []Instructor

	SessionInstructorID   map[uuid.UUID]uuid.UUID
	SessionInstructorName map[uuid.UUID]string
	SessionName           map[uuid.UUID]string
}

// ─── READER ───────────────────────────────────────────────────────────────────

type Reader struct {
	q      db.Querier
	logger *slog.Logger
}

func NewReader(q db.Querier, logger *slog.Logger) *Reader {
	return &Reader{q: q, logger: logger}
}

// Load reads the graph for id. Reads are sequential; each one depends on the
// previous having succeeded.
func (r *Reader) Load(ctx context.Context, id uuid.UUID) (*Graph, error) {
	s, err := r.q.GetSurvey(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("survey: get survey: %w", err)
	}

	g := &Graph{
		Survey:                s,
		SessionInstructorID:   make(map[uuid.UUID]uuid.UUID),
		SessionInstructorName: make(map[uuid.UUID]string),
		SessionName:           make(map[uuid.UUID]string),
	}

	sessions, err := r.q.ListSessionsWithInstructor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("survey: list sessions: %w", err)
	}

	instructors := orderedmap.New[uuid.UUID, Instructor]()
	add := func(i Instructor) {
		if _, seen := instructors.Get(i.ID); !seen {
			instructors.Set(i.ID, i)
		}
	}

	if s.InstructorID.Valid {
		inst, err := r.q.GetInstructor(ctx, s.InstructorID.UUID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			r.logger.Warn("survey: assigned instructor missing",
				"survey_id", id, "instructor_id", s.InstructorID.UUID)
		case err != nil:
			return nil, fmt.Errorf("survey: get instructor: %w", err)
		default:
			add(fromRow(inst))
		}
	}

	linked, err := r.q.ListSurveyInstructors(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("survey: list survey instructors: %w", err)
	}
	for _, inst := range linked {
		add(fromRow(inst))
	}

	for _, sess := range sessions {
		if sess.SessionName.Valid {
			g.SessionName[sess.ID] = sess.SessionName.String
		}
		if !sess.InstructorID.Valid {
			continue
		}
		g.SessionInstructorID[sess.ID] = sess.InstructorID.UUID
		if sess.InstructorName.Valid {
			g.SessionInstructorName[sess.ID] = sess.InstructorName.String
		}
		add(Instructor{
			ID:    sess.InstructorID.UUID,
			Name:  sess.InstructorName.String,
			Email: sess.InstructorEmail.String,
		})
	}

	for pair := instructors.Oldest(); pair != nil; pair = pair.Next() {
		g.Instructors = append(g.Instructors, pair.Value)
	}

	g.Responses, err = r.q.ListProductionResponses(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("survey: list responses: %w", err)
	}
	if len(g.Responses) == 0 {
		return nil, ErrNoResponses
	}

	rows, err := r.q.ListAnswersByResponseIDs(ctx, g.AllResponseIDs())
	if err != nil {
		return nil, fmt.Errorf("survey: list answers: %w", err)
	}
	g.Answers = make([]aggregate.Answer, 0, len(rows))
	for _, row := range rows {
		g.Answers = append(g.Answers, toAnswer(row))
	}

	r.logger.Debug("survey: graph loaded",
		"survey_id", id,
		"sessions", len(sessions),
		"instructors", len(g.Instructors),
		"responses", len(g.Responses),
		"answers", len(g.Answers),
	)
	return g, nil
}

// ─── GRAPH HELPERS ────────────────────────────────────────────────────────────

func (g *Graph) AllResponseIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(g.Responses))
	for i, r := range g.Responses {
		ids[i] = r.ID
	}
	return ids
}

// ResponseSet returns every production response, or only those whose session
// is taught by instructorID when it is non-nil. Responses without a session
// never belong to an instructor's share.
func (g *Graph) ResponseSet(instructorID *uuid.UUID) aggregate.ResponseSet {
	if instructorID == nil {
		return aggregate.NewResponseSet(g.AllResponseIDs()...)
	}
	set := make(aggregate.ResponseSet)
	for _, r := range g.Responses {
		if !r.SessionID.Valid {
			continue
		}
		if iid, ok := g.SessionInstructorID[r.SessionID.UUID]; ok && iid == *instructorID {
			set[r.ID] = struct{}{}
		}
	}
	return set
}

// InstructorNames lists the non-empty display names in discovery order.
func (g *Graph) InstructorNames() []string {
	var names []string
	for _, i := range g.Instructors {
		if i.Name != "" {
			names = append(names, i.Name)
		}
	}
	return names
}

func fromRow(i db.Instructor) Instructor {
	return Instructor{ID: i.ID, Name: i.Name.String, Email: i.Email.String}
}

func toAnswer(row db.AnswerWithQuestion) aggregate.Answer {
	a := aggregate.Answer{
		ResponseID:   row.ResponseID,
		QuestionID:   row.QuestionID,
		QuestionText: row.QuestionText,
		QuestionType: aggregate.QuestionType(row.QuestionType),
		Category:     aggregate.Category(row.SatisfactionType.String),
		SessionID:    row.QuestionSessionID,
		Text:         row.AnswerText.String,
	}
	if row.AnswerValue.Valid {
		a.Value = row.AnswerValue.RawMessage
	}
	return a
}
