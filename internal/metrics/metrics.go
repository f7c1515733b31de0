package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes Prometheus metrics for campaign delivery and the
// control API. It carries a private registry so tests can construct
// independent collectors without global registration conflicts.
type Collector struct {
	registry *prometheus.Registry

	messagesSent     prometheus.Counter
	messagesFailed   prometheus.Counter
	campaignErrors   *prometheus.CounterVec
	campaignsRunning prometheus.Gauge
	quotaRemaining   prometheus.Gauge

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

// New constructs a collector with all delivery and HTTP series registered.
func New() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dripbot",
			Subsystem: "delivery",
			Name:      "messages_sent_total",
			Help:      "Messages delivered across all campaigns.",
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dripbot",
			Subsystem: "delivery",
			Name:      "messages_failed_total",
			Help:      "Message delivery attempts that failed.",
		}),
		campaignErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dripbot",
			Subsystem: "campaign",
			Name:      "errors_total",
			Help:      "Errors recorded against campaigns.",
		}, []string{"campaign"}),
		campaignsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dripbot",
			Subsystem: "campaign",
			Name:      "running",
			Help:      "Campaigns currently executing.",
		}),
		quotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dripbot",
			Subsystem: "ratelimit",
			Name:      "remaining",
			Help:      "Send quota remaining in the current window.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dripbot",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dripbot",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
	}

	for _, col := range []prometheus.Collector{
		c.messagesSent, c.messagesFailed, c.campaignErrors,
		c.campaignsRunning, c.quotaRemaining,
		c.requestDuration, c.requestTotal,
	} {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) MessageSent() { c.messagesSent.Inc() }

func (c *Collector) MessageFailed() { c.messagesFailed.Inc() }

func (c *Collector) CampaignError(campaignID string) {
	c.campaignErrors.WithLabelValues(campaignID).Inc()
}

func (c *Collector) SetCampaignsRunning(n int) { c.campaignsRunning.Set(float64(n)) }

func (c *Collector) SetQuotaRemaining(n int) { c.quotaRemaining.Set(float64(n)) }

// Handler returns the scrape endpoint handler for this registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next to record request counts and latency.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
