package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"

	"github.com/bs-education/feedback-dispatch/internal/db"
	"github.com/bs-education/feedback-dispatch/internal/recipients"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 200
)

// ─── GET /api/email-logs ──────────────────────────────────────────────────────

type emailLogsQuery struct {
	SurveyID string `json:"surveyId" validate:"omitempty,uuid"`
	Status   string `json:"status" validate:"omitempty,oneof=success partial failed"`
	Limit    int    `json:"limit" validate:"gte=0"`
}

type emailLogResponse struct {
	ID          uuid.UUID       `json:"id"`
	SurveyID    uuid.UUID       `json:"surveyId"`
	Recipients  []string        `json:"recipients"`
	Status      string          `json:"status"`
	SentCount   int             `json:"sentCount"`
	FailedCount int             `json:"failedCount"`
	Results     json.RawMessage `json:"results"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// handleListEmailLogs returns audit rows newest first. Filters: surveyId,
// status, limit (default 50, capped at 200).
func (s *Server) handleListEmailLogs(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	query := emailLogsQuery{
		SurveyID: qs.Get("surveyId"),
		Status:   qs.Get("status"),
		Limit:    defaultLogLimit,
	}
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondErr(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		query.Limit = n
	}
	if !s.check(w, &query) {
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultLogLimit
	}

	params := db.ListEmailLogsParams{Limit: min(query.Limit, maxLogLimit)}
	if query.SurveyID != "" {
		params.SurveyID = uuid.NullUUID{UUID: uuid.MustParse(query.SurveyID), Valid: true}
	}
	if query.Status != "" {
		params.Status = null.StringFrom(query.Status)
	}

	rows, err := s.q.ListEmailLogs(r.Context(), params)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list email logs: %w", err))
		return
	}

	logs := make([]emailLogResponse, 0, len(rows))
	for _, l := range rows {
		out := emailLogResponse{
			ID:          l.ID,
			SurveyID:    l.SurveyID,
			Recipients:  l.Recipients,
			Status:      l.Status,
			SentCount:   l.SentCount,
			FailedCount: l.FailedCount,
			Results:     json.RawMessage("null"),
			CreatedAt:   l.CreatedAt,
		}
		if l.Results.Valid && len(l.Results.RawMessage) > 0 {
			out.Results = l.Results.RawMessage
		}
		if out.Recipients == nil {
			out.Recipients = []string{}
		}
		logs = append(logs, out)
	}

	respond(w, http.StatusOK, map[string]any{"success": true, "logs": logs})
}

// ─── GET /api/email-recipients ────────────────────────────────────────────────

// handleListEmailRecipients returns the addresses an operator may pick as
// literal recipients.
func (s *Server) handleListEmailRecipients(w http.ResponseWriter, r *http.Request) {
	emails, err := recipients.AllowList(r.Context(), s.q)
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"success": true, "emails": emails})
}
