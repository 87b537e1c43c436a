package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nyashahama/click-tracker-backend/internal/api"
	"github.com/nyashahama/click-tracker-backend/internal/email"
	"github.com/nyashahama/click-tracker-backend/internal/metrics"
	"github.com/nyashahama/click-tracker-backend/internal/notify"
	"github.com/nyashahama/click-tracker-backend/internal/store"
	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// ─── STUBS ────────────────────────────────────────────────────────────────────

// stubMailer captures sent emails.
type stubMailer struct {
	mu   sync.Mutex
	sent []email.TrackedEmailParams
	err  error
}

func (m *stubMailer) SendTracked(_ context.Context, p email.TrackedEmailParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, p)
	return m.err
}

// flakyRepo wraps Memory and fails selected operations.
type flakyRepo struct {
	*store.Memory
	createErr error
	markErr   error
}

func (f *flakyRepo) Create(ctx context.Context, in tracking.NewEmail) (tracking.EmailRecord, error) {
	if f.createErr != nil {
		return tracking.EmailRecord{}, f.createErr
	}
	return f.Memory.Create(ctx, in)
}

func (f *flakyRepo) MarkClicked(ctx context.Context, id string, at time.Time) (tracking.EmailRecord, bool, error) {
	if f.markErr != nil {
		return tracking.EmailRecord{}, false, f.markErr
	}
	return f.Memory.MarkClicked(ctx, id, at)
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

const frontendURL = "http://localhost:3000"

type testDeps struct {
	repo    *flakyRepo
	mailer  *stubMailer
	bus     *notify.Local
	metrics *metrics.Metrics
	handler http.Handler
}

func newTestServer(t *testing.T, cfgOverrides ...func(*api.Config)) *testDeps {
	t.Helper()

	repo := &flakyRepo{Memory: store.NewMemory(tracking.NewSequenceGenerator("T"))}
	ml := &stubMailer{}
	bus := notify.NewLocal()
	t.Cleanup(func() { _ = bus.Close() })

	cfg := api.Config{
		Env:         "development",
		BaseURL:     "http://localhost:5000",
		FrontendURL: frontendURL,
	}
	for _, fn := range cfgOverrides {
		fn(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := prometheus.NewRegistry()
	m := metrics.New()
	m.MustRegister(reg)

	recorder := tracking.NewRecorder(repo, bus, logger)
	handler := api.NewServer(repo, recorder, ml, m, reg, cfg, logger)

	return &testDeps{
		repo:    repo,
		mailer:  ml,
		bus:     bus,
		metrics: m,
		handler: handler,
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(dst); err != nil {
		t.Fatalf("decode response body: %v (raw: %s)", err, rr.Body.String())
	}
}

type sendResp struct {
	TrackingID  string    `json:"trackingId"`
	TrackingURL string    `json:"trackingUrl"`
	Email       string    `json:"email"`
	Subject     string    `json:"subject"`
	SentAt      time.Time `json:"sent_at"`
}

type recordResp struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Subject    string     `json:"subject"`
	SentAt     time.Time  `json:"sent_at"`
	Clicked    bool       `json:"clicked"`
	ClickedAt  *time.Time `json:"clicked_at"`
	ClickCount *int       `json:"click_count"`
}

type summaryResp struct {
	Total     int     `json:"total"`
	Clicked   int     `json:"clicked"`
	ClickRate float64 `json:"click_rate"`
}

// sendEmail posts a valid send-email request and returns the tracking id.
func sendEmail(t *testing.T, deps *testDeps, to, subject string) string {
	t.Helper()
	rr := doRequest(t, deps.handler, http.MethodPost, "/api/send-email",
		map[string]string{"to": to, "subject": subject, "message": "hello"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("send-email: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp sendResp
	decodeJSON(t, rr, &resp)
	return resp.TrackingID
}

// click hits the tracking link and returns the parsed redirect.
func click(t *testing.T, deps *testDeps, id string) *url.URL {
	t.Helper()
	rr := doRequest(t, deps.handler, http.MethodGet, "/track/"+url.PathEscape(id), nil,
		map[string]string{"User-Agent": "Mozilla/5.0 (iPhone) Mobile"})
	if rr.Code != http.StatusFound {
		t.Fatalf("track: expected 302, got %d: %s", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	return loc
}

func summary(t *testing.T, deps *testDeps) summaryResp {
	t.Helper()
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/stats/summary", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d", rr.Code)
	}
	var resp summaryResp
	decodeJSON(t, rr, &resp)
	return resp
}

// ─── GET /healthz, /metrics ───────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	deps := newTestServer(t)
	sendEmail(t, deps, "a@x.com", "Hi")

	rr := doRequest(t, deps.handler, http.MethodGet, "/metrics", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "clicktracker_emails_sent_total 1") {
		t.Errorf("metrics output missing sent counter:\n%s", rr.Body.String())
	}
}

// ─── POST /api/send-email ─────────────────────────────────────────────────────

func TestSendEmail_CreatesRecordAndSends(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodPost, "/api/send-email",
		map[string]string{"to": "x@y.z", "subject": "S", "message": "Body text"}, nil)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp sendResp
	decodeJSON(t, rr, &resp)

	if resp.TrackingID == "" {
		t.Fatal("trackingId should not be empty")
	}
	if want := "http://localhost:5000/track/" + resp.TrackingID; resp.TrackingURL != want {
		t.Errorf("trackingUrl = %q, want %q", resp.TrackingURL, want)
	}
	if resp.Email != "x@y.z" || resp.Subject != "S" {
		t.Errorf("unexpected echo: %+v", resp)
	}

	if len(deps.mailer.sent) != 1 {
		t.Fatalf("expected 1 email sent, got %d", len(deps.mailer.sent))
	}
	sent := deps.mailer.sent[0]
	if sent.TrackingURL != resp.TrackingURL || sent.Message != "Body text" {
		t.Errorf("mailer got %+v", sent)
	}

	rec, err := deps.repo.Get(context.Background(), resp.TrackingID)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if rec.Clicked || rec.ClickedAt != nil {
		t.Error("new record must be unclicked")
	}
	if got := testutil.ToFloat64(deps.metrics.EmailsSent); got != 1 {
		t.Errorf("emails_sent_total = %v, want 1", got)
	}
}

func TestSendEmail_ValidationReturns400(t *testing.T) {
	cases := map[string]map[string]string{
		"missing to":      {"subject": "S", "message": "m"},
		"missing subject": {"to": "x@y.z", "message": "m"},
		"missing message": {"to": "x@y.z", "subject": "S"},
		"blank to":        {"to": "  ", "subject": "S", "message": "m"},
		"malformed to":    {"to": "foo", "subject": "S", "message": "m"},
		"display name to": {"to": "Foo <foo@x.com>", "subject": "S", "message": "m"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			deps := newTestServer(t)
			rr := doRequest(t, deps.handler, http.MethodPost, "/api/send-email", body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if len(deps.mailer.sent) != 0 {
				t.Error("no email should be sent on validation failure")
			}
			recs, _ := deps.repo.List(context.Background())
			if len(recs) != 0 {
				t.Errorf("expected no records, got %d", len(recs))
			}
		})
	}
}

func TestSendEmail_UnknownFieldsReturns400(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodPost, "/api/send-email",
		map[string]string{"to": "x@y.z", "subject": "S", "message": "m", "cc": "z@y.z"}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}
}

func TestSendEmail_InvalidJSONReturns400(t *testing.T) {
	deps := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/send-email", bytes.NewBufferString(`{bad json`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	deps.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSendEmail_DeliveryFailureDiscardsRecord(t *testing.T) {
	deps := newTestServer(t)
	deps.mailer.err = errors.New("provider down")

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/send-email",
		map[string]string{"to": "x@y.z", "subject": "S", "message": "m"}, nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rr.Code, rr.Body.String())
	}

	recs, err := deps.repo.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("failed send left %d orphan record(s)", len(recs))
	}
	if got := testutil.ToFloat64(deps.metrics.EmailSendFailures); got != 1 {
		t.Errorf("email_send_failures_total = %v, want 1", got)
	}
}

func TestSendEmail_TransientStoreErrorReturns503(t *testing.T) {
	deps := newTestServer(t)
	deps.repo.createErr = tracking.Transient("insert email", errors.New("conn refused"))

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/send-email",
		map[string]string{"to": "x@y.z", "subject": "S", "message": "m"}, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if len(deps.mailer.sent) != 0 {
		t.Error("no email should be sent when the record could not be created")
	}
}

// ─── GET /track/{trackingID} ──────────────────────────────────────────────────

func TestTrack_FirstThenDuplicateClick(t *testing.T) {
	deps := newTestServer(t)
	id := sendEmail(t, deps, "x@y.z", "S")

	loc := click(t, deps, id)
	if got := loc.Scheme + "://" + loc.Host; got != frontendURL {
		t.Errorf("redirect host = %q, want %q", got, frontendURL)
	}
	if loc.Query().Get("tracked") != id || loc.Query().Get("status") != "success" {
		t.Errorf("unexpected redirect %s", loc)
	}

	first, err := deps.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Clicked || first.ClickedAt == nil {
		t.Fatal("record should be clicked after first hit")
	}

	loc = click(t, deps, id)
	if loc.Query().Get("status") != "success" {
		t.Errorf("duplicate click should still redirect with success, got %s", loc)
	}
	second, _ := deps.repo.Get(context.Background(), id)
	if !second.ClickedAt.Equal(*first.ClickedAt) {
		t.Error("clicked_at changed on duplicate click")
	}

	if got := testutil.ToFloat64(deps.metrics.Clicks.WithLabelValues("recorded")); got != 1 {
		t.Errorf("clicks_total{recorded} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(deps.metrics.Clicks.WithLabelValues("already-recorded")); got != 1 {
		t.Errorf("clicks_total{already-recorded} = %v, want 1", got)
	}
}

func TestTrack_UnknownIDRedirectsInvalid(t *testing.T) {
	deps := newTestServer(t)
	loc := click(t, deps, "does-not-exist")
	if loc.Query().Get("status") != "invalid" {
		t.Errorf("expected status=invalid, got %s", loc)
	}
	recs, _ := deps.repo.List(context.Background())
	if len(recs) != 0 {
		t.Error("unknown id must not create a record")
	}
}

func TestTrack_StoreFailureRedirectsError(t *testing.T) {
	deps := newTestServer(t)
	id := sendEmail(t, deps, "x@y.z", "S")
	deps.repo.markErr = tracking.Transient("mark clicked", errors.New("down"))

	loc := click(t, deps, id)
	if loc.Query().Get("status") != "error" {
		t.Errorf("expected status=error, got %s", loc)
	}
}

func TestTrack_PublishesFirstClick(t *testing.T) {
	deps := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := deps.bus.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}

	id := sendEmail(t, deps, "x@y.z", "S")
	click(t, deps, id)
	click(t, deps, id)

	select {
	case ev := <-events:
		if ev.TrackingID != id || ev.Device != "mobile" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("first click was not published")
	}
	select {
	case ev := <-events:
		t.Errorf("duplicate click published: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// ─── GET /api/track-info/{trackingID} ─────────────────────────────────────────

func TestTrackInfo(t *testing.T) {
	deps := newTestServer(t)
	id := sendEmail(t, deps, "x@y.z", "S")

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/track-info/"+id, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var before recordResp
	decodeJSON(t, rr, &before)
	if before.Clicked || before.ClickedAt != nil {
		t.Errorf("expected unclicked, got %+v", before)
	}

	click(t, deps, id)
	click(t, deps, id)

	rr = doRequest(t, deps.handler, http.MethodGet, "/api/track-info/"+id, nil, nil)
	var after recordResp
	decodeJSON(t, rr, &after)
	if !after.Clicked || after.ClickedAt == nil {
		t.Fatalf("expected clicked, got %+v", after)
	}
	if after.ClickedAt.Before(after.SentAt) {
		t.Error("clicked_at precedes sent_at")
	}
	if after.ClickCount == nil || *after.ClickCount != 2 {
		t.Errorf("click_count = %v, want 2", after.ClickCount)
	}
}

func TestTrackInfo_UnknownReturns404(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/track-info/nope", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

// ─── GET /api/stats, /api/stats/summary ───────────────────────────────────────

func TestStats_EmptyStore(t *testing.T) {
	deps := newTestServer(t)

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/stats", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}

	if s := summary(t, deps); s != (summaryResp{}) {
		t.Errorf("expected zero summary, got %+v", s)
	}
}

// Three sends, the second clicked twice: total 3, clicked 1, rate 1/3.
func TestStats_ThreeRecordsOneClicked(t *testing.T) {
	deps := newTestServer(t)
	sendEmail(t, deps, "a@x.com", "A")
	second := sendEmail(t, deps, "b@x.com", "B")
	sendEmail(t, deps, "c@x.com", "C")

	click(t, deps, second)
	click(t, deps, second)

	s := summary(t, deps)
	if s.Total != 3 || s.Clicked != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.ClickRate < 0.333 || s.ClickRate > 0.334 {
		t.Errorf("click_rate = %v, want ~0.333", s.ClickRate)
	}

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/stats", nil, nil)
	var recs []recordResp
	decodeJSON(t, rr, &recs)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	clicked := 0
	for i, r := range recs {
		if r.Clicked {
			clicked++
		}
		if i > 0 && r.SentAt.After(recs[i-1].SentAt) {
			t.Error("records not ordered newest first")
		}
	}
	if clicked != 1 {
		t.Errorf("expected exactly one clicked record, got %d", clicked)
	}
}

func TestStats_ConcurrentClicksRecordOnce(t *testing.T) {
	deps := newTestServer(t)
	id := sendEmail(t, deps, "x@y.z", "S")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/track/"+id, nil)
			deps.handler.ServeHTTP(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(deps.metrics.Clicks.WithLabelValues("recorded")); got != 1 {
		t.Errorf("clicks_total{recorded} = %v, want 1", got)
	}
	if s := summary(t, deps); s.Clicked != 1 {
		t.Errorf("clicked = %d, want 1", s.Clicked)
	}
}

// ─── CORS ─────────────────────────────────────────────────────────────────────

func TestCORS_PreflightAllowedOrigin(t *testing.T) {
	deps := newTestServer(t, func(c *api.Config) {
		c.Env = "production"
		c.CORSOrigins = []string{"https://dash.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/stats", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	deps.handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	deps.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Access-Control-Allow-Origin = %q", got)
	}
}
