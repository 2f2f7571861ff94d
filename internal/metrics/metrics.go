// Package metrics collects Prometheus metrics for the HTTP layer and for
// conversations, and exposes them for scraping.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/damaijiwa/internal/model"
)

// Collector holds every metric the server records. It satisfies
// service.ConversationMetrics.
type Collector struct {
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	turns            *prometheus.CounterVec
	generations      *prometheus.CounterVec
	generationTime   *prometheus.HistogramVec
	rateLimited      *prometheus.CounterVec
	streamsConnected prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
// Tests pass a fresh prometheus.NewRegistry() so runs don't collide.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "damaijiwa_http_requests_total",
			Help: "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "damaijiwa_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "damaijiwa_turns_total",
			Help: "Conversation turns stored, by category and role.",
		}, []string{"category", "role"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "damaijiwa_generations_total",
			Help: "Generator calls by category and outcome.",
		}, []string{"category", "outcome"}),
		generationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "damaijiwa_generation_duration_seconds",
			Help:    "Generator latency, retries included.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"category"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "damaijiwa_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter.",
		}, []string{"limit"}),
		streamsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "damaijiwa_streams_connected",
			Help: "Open chat websocket connections.",
		}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.turns,
		c.generations,
		c.generationTime,
		c.rateLimited,
		c.streamsConnected,
	)

	return c
}

// RecordHTTPRequest records one completed request. route is the chi route
// pattern, not the raw path, to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(route, method string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordTurn counts a stored turn.
func (c *Collector) RecordTurn(category model.Category, role model.Role) {
	c.turns.WithLabelValues(string(category), string(role)).Inc()
}

// RecordGeneration records a generator call and whether it failed.
func (c *Collector) RecordGeneration(category model.Category, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.generations.WithLabelValues(string(category), outcome).Inc()
	c.generationTime.WithLabelValues(string(category)).Observe(d.Seconds())
}

// RecordRateLimited counts a rejected request. limit is "general" or "turn".
func (c *Collector) RecordRateLimited(limit string) {
	c.rateLimited.WithLabelValues(limit).Inc()
}

// StreamOpened and StreamClosed track live websocket connections.
func (c *Collector) StreamOpened() { c.streamsConnected.Inc() }

func (c *Collector) StreamClosed() { c.streamsConnected.Dec() }

// Handler returns the HTTP handler Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
