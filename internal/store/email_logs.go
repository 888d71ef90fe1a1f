package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/bs-education/feedback-dispatch/internal/db"
)

// ─── INPUT TYPES ──────────────────────────────────────────────────────────────

// RecordEmailLogParams is one dispatch run's audit row. Results is marshalled
// into the results JSONB column.
type RecordEmailLogParams struct {
	SurveyID    uuid.UUID
	Recipients  []string
	Status      string
	SentCount   int
	FailedCount int
	Results     any
}

// ─── ERRORS ───────────────────────────────────────────────────────────────────

// ErrEmptyAuditPayload is returned when Results marshals to nothing.
var ErrEmptyAuditPayload = errors.New("store: empty audit payload")

// ─── METHODS ──────────────────────────────────────────────────────────────────

// RecordEmailLog inserts the audit row for one dispatch run. Rows are
// append-only; nothing in this service updates them afterwards.
func (s *Store) RecordEmailLog(ctx context.Context, p RecordEmailLogParams) (db.EmailLog, error) {
	raw, err := json.Marshal(p.Results)
	if err != nil {
		return db.EmailLog{}, fmt.Errorf("RecordEmailLog: marshal results: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return db.EmailLog{}, ErrEmptyAuditPayload
	}

	recipients := p.Recipients
	if recipients == nil {
		recipients = []string{}
	}

	row, err := s.q.InsertEmailLog(ctx, db.InsertEmailLogParams{
		SurveyID:    p.SurveyID,
		Recipients:  recipients,
		Status:      p.Status,
		SentCount:   p.SentCount,
		FailedCount: p.FailedCount,
		Results:     pqtype.NullRawMessage{RawMessage: raw, Valid: true},
	})
	if err != nil {
		return db.EmailLog{}, fmt.Errorf("RecordEmailLog: insert: %w", err)
	}
	return row, nil
}
