// Package metrics exposes the tracker's Prometheus collectors. A nil
// *Metrics is valid and records nothing, so components can be built without
// a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

const namespace = "clicktracker"

type Metrics struct {
	EmailsSent           prometheus.Counter
	EmailSendFailures    prometheus.Counter
	Clicks               *prometheus.CounterVec
	TrackedEmails        prometheus.Gauge
	TrackedEmailsClicked prometheus.Gauge
	ClickRate            prometheus.Gauge
	ObserverTicks        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		EmailsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_sent_total",
			Help:      "Tracked emails accepted by the mail provider.",
		}),
		EmailSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_send_failures_total",
			Help:      "Sends rejected by the mail provider. The record is discarded.",
		}),
		Clicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_total",
			Help:      "Tracking link hits by outcome.",
		}, []string{"status"}),
		TrackedEmails: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_emails",
			Help:      "Total tracked emails as of the last observer refresh.",
		}),
		TrackedEmailsClicked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_emails_clicked",
			Help:      "Clicked tracked emails as of the last observer refresh.",
		}),
		ClickRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "click_rate",
			Help:      "Clicked divided by total as of the last observer refresh.",
		}),
		ObserverTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_ticks_total",
			Help:      "Observer refreshes by result.",
		}, []string{"result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// MustRegister registers every collector on reg.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.EmailsSent,
		m.EmailSendFailures,
		m.Clicks,
		m.TrackedEmails,
		m.TrackedEmailsClicked,
		m.ClickRate,
		m.ObserverTicks,
		m.RequestDuration,
	)
}

// Handler serves the text exposition format for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) EmailSent() {
	if m == nil {
		return
	}
	m.EmailsSent.Inc()
}

func (m *Metrics) EmailSendFailed() {
	if m == nil {
		return
	}
	m.EmailSendFailures.Inc()
}

func (m *Metrics) Click(status tracking.ClickStatus) {
	if m == nil {
		return
	}
	m.Clicks.WithLabelValues(string(status)).Inc()
}

// ObserveStats publishes the latest aggregate as gauges.
func (m *Metrics) ObserveStats(s tracking.AggregateStats) {
	if m == nil {
		return
	}
	m.TrackedEmails.Set(float64(s.Total))
	m.TrackedEmailsClicked.Set(float64(s.ClickedCount))
	m.ClickRate.Set(s.ClickRate)
}

// ObserverTick counts one refresh. err == nil is "ok", otherwise "error".
func (m *Metrics) ObserverTick(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ObserverTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.RequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
