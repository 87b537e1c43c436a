package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// providerChain hands a message to each configured provider in turn until one
// accepts it.
type providerChain struct {
	senders []Sender
	logger  *slog.Logger
}

// NewFallbackSender delivers through primary and, when primary rejects the
// message, through secondary. A nil provider is skipped. The returned error
// wraps every rejection so callers can still match the underlying cause.
func NewFallbackSender(primary, secondary Sender, logger *slog.Logger) Sender {
	c := &providerChain{logger: logger}
	for _, s := range []Sender{primary, secondary} {
		if s != nil {
			c.senders = append(c.senders, s)
		}
	}
	return c
}

func (c *providerChain) SendTracked(ctx context.Context, p TrackedEmailParams) error {
	if len(c.senders) == 0 {
		return errors.New("email: no provider configured")
	}

	var rejected []error
	for i, s := range c.senders {
		if i > 0 && ctx.Err() != nil {
			break
		}
		err := s.SendTracked(ctx, p)
		if err == nil {
			if i > 0 {
				c.logger.Info("email: delivered by fallback provider", "tracking_id", p.TrackingID, "provider", i+1)
			}
			return nil
		}
		rejected = append(rejected, err)
		if i+1 < len(c.senders) {
			c.logger.Warn("email: provider rejected message, trying next",
				"tracking_id", p.TrackingID,
				"provider", i+1,
				"error", err,
			)
		}
	}
	return fmt.Errorf("email: %d provider(s) failed: %w", len(rejected), errors.Join(rejected...))
}
