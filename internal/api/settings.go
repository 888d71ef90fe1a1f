package api

import (
	"fmt"
	"net/http"
	"time"
)

// ─── /api/settings/auto-email ─────────────────────────────────────────────────

type autoEmailBody struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (s *Server) handleGetAutoEmail(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.settings.AutoEmailEnabled(r.Context())
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"success": true, "enabled": enabled})
}

func (s *Server) handlePutAutoEmail(w http.ResponseWriter, r *http.Request) {
	var body autoEmailBody
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.settings.SetAutoEmailEnabled(r.Context(), *body.Enabled); err != nil {
		s.respondInternalErr(w, r, err)
		return
	}
	s.logger.Info("settings: auto email toggled", "enabled", *body.Enabled, logField(r))
	respond(w, http.StatusOK, map[string]any{"success": true, "enabled": *body.Enabled})
}

// ─── POST /api/course-statistics/generate ─────────────────────────────────────

type generateStatsBody struct {
	Year int `json:"year" validate:"required,gte=2000,lte=2100"`
}

// handleGenerateCourseStats recomputes course_statistics for one year.
// An empty body means the current year.
func (s *Server) handleGenerateCourseStats(w http.ResponseWriter, r *http.Request) {
	body := generateStatsBody{Year: time.Now().Year()}
	if r.ContentLength != 0 {
		if !s.decode(w, r, &body) {
			return
		}
	} else if !s.check(w, &body) {
		return
	}

	n, err := s.stats.Generate(r.Context(), body.Year)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("generate course statistics: %w", err))
		return
	}
	respond(w, http.StatusOK, map[string]any{"success": true, "year": body.Year, "count": n})
}
