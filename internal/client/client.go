// Package client is a small HTTP client for the tracker API. It satisfies
// worker.StatsSource and worker.RecordSource so the Observer can run against
// a remote deployment.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// Client talks to one tracker deployment.
type Client struct {
	baseURL    string // e.g. "http://localhost:5000"
	httpClient *http.Client
}

// New returns a Client for baseURL. A nil httpClient gets a 15s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// ─── API SHAPES ───────────────────────────────────────────────────────────────

type recordBody struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Subject   string     `json:"subject"`
	SentAt    time.Time  `json:"sent_at"`
	Clicked   bool       `json:"clicked"`
	ClickedAt *time.Time `json:"clicked_at"`
}

func (b recordBody) record() tracking.EmailRecord {
	return tracking.EmailRecord{
		ID:        b.ID,
		Recipient: b.Email,
		Subject:   b.Subject,
		SentAt:    b.SentAt,
		Clicked:   b.Clicked,
		ClickedAt: b.ClickedAt,
	}
}

type summaryBody struct {
	Total     int     `json:"total"`
	Clicked   int     `json:"clicked"`
	ClickRate float64 `json:"click_rate"`
}

// ─── METHODS ──────────────────────────────────────────────────────────────────

// Compute fetches GET /api/stats/summary.
func (c *Client) Compute(ctx context.Context) (tracking.AggregateStats, error) {
	var body summaryBody
	if err := c.get(ctx, "/api/stats/summary", &body); err != nil {
		return tracking.AggregateStats{}, err
	}
	return tracking.AggregateStats{
		Total:        body.Total,
		ClickedCount: body.Clicked,
		ClickRate:    body.ClickRate,
	}, nil
}

// Get fetches GET /api/track-info/{id}. A 404 maps to tracking.ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (tracking.EmailRecord, error) {
	var body recordBody
	if err := c.get(ctx, "/api/track-info/"+url.PathEscape(id), &body); err != nil {
		return tracking.EmailRecord{}, err
	}
	return body.record(), nil
}

// List fetches GET /api/stats, newest first.
func (c *Client) List(ctx context.Context) ([]tracking.EmailRecord, error) {
	var body []recordBody
	if err := c.get(ctx, "/api/stats", &body); err != nil {
		return nil, err
	}
	out := make([]tracking.EmailRecord, len(body))
	for i, b := range body {
		out[i] = b.record()
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("client: GET %s: %w", path, tracking.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("client: GET %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}
