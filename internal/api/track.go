package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// Redirect status values understood by the dashboard.
const (
	redirectSuccess = "success"
	redirectInvalid = "invalid"
	redirectError   = "error"
)

// ─── GET /track/{trackingID} ──────────────────────────────────────────────────

// handleTrack records a click and redirects the recipient to the dashboard.
// First and duplicate clicks both redirect with status=success. A recipient
// never sees a 5xx: a store failure redirects with status=error.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "trackingID")

	res, err := s.recorder.RecordClick(r.Context(), id, tracking.ClickMeta{
		IPAddress: realIP(r),
		UserAgent: r.UserAgent(),
	})

	status := redirectSuccess
	switch {
	case err != nil:
		s.logger.Error("track: record click failed", "tracking_id", id, "error", err, logField(r))
		status = redirectError
	case res.Status == tracking.ClickUnknownID:
		status = redirectInvalid
	}
	if err == nil {
		s.metrics.Click(res.Status)
	}

	http.Redirect(w, r, s.frontendRedirect(id, status), http.StatusFound)
}

func (s *Server) frontendRedirect(id, status string) string {
	return strings.TrimRight(s.cfg.FrontendURL, "/") +
		"/?tracked=" + url.QueryEscape(id) + "&status=" + status
}
