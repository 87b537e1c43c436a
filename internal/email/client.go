// Package email defines the interface for tracked email delivery and provides
// Resend, AWS SES and log-only implementations, plus a fallback wrapper that
// tries a second provider when the first fails.
package email

import "context"

// TrackedEmailParams holds the data needed to send one tracked email.
type TrackedEmailParams struct {
	To          string // recipient email address
	Subject     string
	Message     string // plain-text body written by the sender
	TrackingID  string
	TrackingURL string // click-through link appended below the message
}

// Sender is the interface the send-email handler uses to deliver mail.
// Tests inject a stub that records calls without hitting the network.
type Sender interface {
	// SendTracked delivers the message with its tracking link. A non-nil
	// error means the provider did not accept the message.
	SendTracked(ctx context.Context, p TrackedEmailParams) error
}
