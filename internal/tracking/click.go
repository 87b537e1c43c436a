package tracking

import (
	"strings"
	"time"
)

// ClickStatus is the three-way outcome of a click.
type ClickStatus string

const (
	// ClickRecorded is the first genuine click on a known id.
	ClickRecorded ClickStatus = "recorded"
	// ClickAlreadyRecorded is any later click on the same id. Not an error.
	ClickAlreadyRecorded ClickStatus = "already-recorded"
	// ClickUnknownID means the id was never issued (malformed or stale link).
	ClickUnknownID ClickStatus = "unknown-id"
)

// ClickResult is returned by Recorder.RecordClick. Record is the zero value
// when Status is ClickUnknownID.
type ClickResult struct {
	Status ClickStatus
	Record EmailRecord
}

// ClickMeta is the request context captured with each click.
type ClickMeta struct {
	IPAddress string
	UserAgent string
}

// ClickEvent is one entry in the click log and the payload published on the
// notification bus for first clicks.
type ClickEvent struct {
	TrackingID string      `json:"tracking_id"`
	Status     ClickStatus `json:"status"`
	At         time.Time   `json:"at"`
	IPAddress  string      `json:"ip_address,omitempty"`
	UserAgent  string      `json:"user_agent,omitempty"`
	Device     string      `json:"device,omitempty"`
}

// DetectDevice classifies a user agent as mobile, tablet, or desktop.
func DetectDevice(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case ua == "":
		return ""
	case strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad"):
		return "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
		return "mobile"
	default:
		return "desktop"
	}
}
