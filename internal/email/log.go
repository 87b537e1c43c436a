package email

import (
	"context"
	"log/slog"
)

type logSender struct {
	logger *slog.Logger
}

// NewLogSender returns a Sender that only logs. Used in development so the
// full send → click flow works without a mail provider.
func NewLogSender(logger *slog.Logger) Sender {
	return &logSender{logger: logger}
}

func (s *logSender) SendTracked(_ context.Context, p TrackedEmailParams) error {
	s.logger.Info("email: send (log provider)",
		"to", p.To,
		"subject", p.Subject,
		"tracking_id", p.TrackingID,
		"tracking_url", p.TrackingURL,
	)
	return nil
}
