package store

import (
	"context"
	"database/sql"
	"net"

	"github.com/sqlc-dev/pqtype"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// AppendClick writes one click_events row. The client address is stored as
// INET; an unparseable address is stored as NULL rather than failing the log.
func (s *Postgres) AppendClick(ctx context.Context, ev tracking.ClickEvent) error {
	_, err := s.pool.ExecContext(ctx, `
		INSERT INTO click_events (tracking_id, status, clicked_at, ip_address, user_agent, device)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.TrackingID,
		string(ev.Status),
		ev.At,
		inet(ev.IPAddress),
		nullString(ev.UserAgent),
		nullString(ev.Device),
	)
	return classify("append click", err)
}

// CountClicks counts logged clicks for a known id. Unknown-id entries are
// excluded since they never correlated to a record.
func (s *Postgres) CountClicks(ctx context.Context, id string) (int, error) {
	var n int
	err := s.pool.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM click_events
		 WHERE tracking_id = $1 AND status <> $2`,
		id, string(tracking.ClickUnknownID),
	).Scan(&n)
	if err != nil {
		return 0, classify("count clicks", err)
	}
	return n, nil
}

func inet(addr string) pqtype.Inet {
	ip := net.ParseIP(addr)
	if ip == nil {
		return pqtype.Inet{}
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return pqtype.Inet{
		IPNet: net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)},
		Valid: true,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
