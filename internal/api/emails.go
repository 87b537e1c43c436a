package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nyashahama/click-tracker-backend/internal/email"
	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// ─── RESPONSE SHAPES ──────────────────────────────────────────────────────────

// recordResponse is the wire form of an EmailRecord. Field names match what
// the dashboard already reads.
type recordResponse struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Subject    string     `json:"subject"`
	SentAt     time.Time  `json:"sent_at"`
	Clicked    bool       `json:"clicked"`
	ClickedAt  *time.Time `json:"clicked_at"`
	ClickCount *int       `json:"click_count,omitempty"`
}

func toRecordResponse(rec tracking.EmailRecord) recordResponse {
	return recordResponse{
		ID:        rec.ID,
		Email:     rec.Recipient,
		Subject:   rec.Subject,
		SentAt:    rec.SentAt,
		Clicked:   rec.Clicked,
		ClickedAt: rec.ClickedAt,
	}
}

// ─── POST /api/send-email ─────────────────────────────────────────────────────

type sendEmailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

type sendEmailResponse struct {
	TrackingID  string    `json:"trackingId"`
	TrackingURL string    `json:"trackingUrl"`
	Email       string    `json:"email"`
	Subject     string    `json:"subject"`
	SentAt      time.Time `json:"sent_at"`
}

// handleSendEmail creates a tracking record, then sends the email carrying its
// link. If delivery fails the record is discarded so no tracking id exists
// for a message that was never sent.
func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendEmailRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondErr(w, http.StatusBadRequest, "message is required")
		return
	}

	rec, err := s.repo.Create(r.Context(), tracking.NewEmail{
		Recipient: req.To,
		Subject:   req.Subject,
	})
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}

	trackingURL := tracking.TrackingURL(s.cfg.BaseURL, rec.ID)
	err = s.mailer.SendTracked(r.Context(), email.TrackedEmailParams{
		To:          rec.Recipient,
		Subject:     rec.Subject,
		Message:     req.Message,
		TrackingID:  rec.ID,
		TrackingURL: trackingURL,
	})
	if err != nil {
		s.metrics.EmailSendFailed()
		s.logger.Error("send email: delivery failed",
			"tracking_id", rec.ID,
			"error", err,
			logField(r),
		)
		s.discard(r, rec.ID)
		respondErr(w, http.StatusBadGateway, "email delivery failed")
		return
	}

	s.metrics.EmailSent()
	s.logger.Info("send email: sent", "tracking_id", rec.ID, logField(r))

	respond(w, http.StatusCreated, sendEmailResponse{
		TrackingID:  rec.ID,
		TrackingURL: trackingURL,
		Email:       rec.Recipient,
		Subject:     rec.Subject,
		SentAt:      rec.SentAt,
	})
}

// discard removes the record for a failed send. It runs detached from the
// request context so a client disconnect cannot leave the record behind.
func (s *Server) discard(r *http.Request, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	err := s.repo.Discard(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, tracking.ErrAlreadyClicked):
		// The link was clicked before the provider reported failure; keep it.
		s.logger.Warn("send email: record clicked before discard", "tracking_id", id, logField(r))
	default:
		s.logger.Error("send email: discard failed", "tracking_id", id, "error", err, logField(r))
	}
}

// ─── GET /api/track-info/{trackingID} ─────────────────────────────────────────

func (s *Server) handleTrackInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "trackingID")

	rec, err := s.repo.Get(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}

	resp := toRecordResponse(rec)
	n, err := s.repo.CountClicks(r.Context(), id)
	if err != nil {
		s.logger.Warn("track info: count clicks failed", "tracking_id", id, "error", err, logField(r))
	} else {
		resp.ClickCount = &n
	}

	respond(w, http.StatusOK, resp)
}

// ─── GET /api/stats ───────────────────────────────────────────────────────────

// handleListStats returns every record, newest first.
func (s *Server) handleListStats(w http.ResponseWriter, r *http.Request) {
	recs, err := s.repo.List(r.Context())
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}

	out := make([]recordResponse, len(recs))
	for i, rec := range recs {
		out[i] = toRecordResponse(rec)
	}
	respond(w, http.StatusOK, out)
}

// ─── GET /api/stats/summary ───────────────────────────────────────────────────

type summaryResponse struct {
	Total     int     `json:"total"`
	Clicked   int     `json:"clicked"`
	ClickRate float64 `json:"click_rate"`
}

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Compute(r.Context())
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, summaryResponse{
		Total:     st.Total,
		Clicked:   st.ClickedCount,
		ClickRate: st.ClickRate,
	})
}
