package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/bs-education/feedback-dispatch/internal/dispatch"
	"github.com/bs-education/feedback-dispatch/internal/survey"
)

// ─── POST /api/send-survey-results ────────────────────────────────────────────

const msgNoResponses = "응답이 없는 설문입니다. 이메일을 발송하지 않습니다."

type sendSurveyResultsRequest struct {
	SurveyID            string   `json:"surveyId" validate:"required,uuid"`
	Recipients          []string `json:"recipients" validate:"dive,required"`
	Force               bool     `json:"force"`
	PreviewOnly         bool     `json:"previewOnly"`
	TargetInstructorIDs []string `json:"targetInstructorIds" validate:"dive,uuid"`
}

type previewResponse struct {
	Success     bool     `json:"success"`
	Subject     string   `json:"subject"`
	HTMLContent string   `json:"htmlContent"`
	TextContent string   `json:"textContent"`
	Recipients  []string `json:"recipients"`
	PreviewNote string   `json:"previewNote"`
}

type sendResponse struct {
	Success          bool               `json:"success"`
	Status           dispatch.RunStatus `json:"status"`
	SentCount        int                `json:"sentCount"`
	FailedCount      int                `json:"failedCount"`
	Results          []dispatch.Outcome `json:"results"`
	RecipientDetails []dispatch.Outcome `json:"recipientDetails"`
	LogID            *uuid.UUID         `json:"logId,omitempty"`
}

// handleSendSurveyResults builds the results email for a survey and either
// returns one representative rendering (previewOnly) or delivers it to every
// resolved recipient.
//
// A 200 in send mode does not mean every recipient got mail; callers inspect
// results and recipientDetails.
func (s *Server) handleSendSurveyResults(w http.ResponseWriter, r *http.Request) {
	var body sendSurveyResultsRequest
	if !s.decode(w, r, &body) {
		return
	}

	req := dispatch.Request{
		SurveyID:   uuid.MustParse(body.SurveyID), // validated above
		Recipients: body.Recipients,
	}
	for _, id := range body.TargetInstructorIDs {
		req.TargetInstructorIDs = append(req.TargetInstructorIDs, uuid.MustParse(id))
	}

	if body.PreviewOnly {
		p, err := s.dispatcher.Preview(r.Context(), req)
		if err != nil {
			s.respondDispatchErr(w, r, err)
			return
		}
		recipients := p.Recipients
		if recipients == nil {
			recipients = []string{}
		}
		respond(w, http.StatusOK, previewResponse{
			Success:     true,
			Subject:     p.Subject,
			HTMLContent: p.HTML,
			TextContent: p.Text,
			Recipients:  recipients,
			PreviewNote: p.Note,
		})
		return
	}

	del, err := s.dispatcher.Send(r.Context(), req)
	if err != nil {
		s.respondDispatchErr(w, r, err)
		return
	}

	results, details := del.Results, del.Details
	if results == nil {
		results = []dispatch.Outcome{}
	}
	if details == nil {
		details = []dispatch.Outcome{}
	}
	respond(w, http.StatusOK, sendResponse{
		Success:          true,
		Status:           del.Status,
		SentCount:        del.SentCount,
		FailedCount:      del.FailedCount,
		Results:          results,
		RecipientDetails: details,
		LogID:            del.LogID,
	})
}

// respondDispatchErr maps the run-aborting errors onto their responses. Only
// an empty survey is a client-visible 400; everything else is a 500.
func (s *Server) respondDispatchErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, survey.ErrNoResponses):
		zero := 0
		respond(w, http.StatusBadRequest, errorResponse{Error: msgNoResponses, ResponseCount: &zero})
	case errors.Is(err, survey.ErrNotFound):
		s.logger.Warn("send-survey-results: survey not found", "error", err, logField(r))
		respondErr(w, http.StatusInternalServerError, "설문을 찾을 수 없습니다.")
	case errors.Is(err, dispatch.ErrMailerNotConfigured):
		s.logger.Error("send-survey-results: mail provider not configured", logField(r))
		respondErr(w, http.StatusInternalServerError, "메일 발송 설정이 되어 있지 않습니다.")
	default:
		s.respondInternalErr(w, r, err)
	}
}
