// Package metrics holds the Prometheus collectors of the help system.
//
// Label sets stay small: guild ids and outcome names only, never user or
// space ids.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Claims counts claim attempts by outcome (claimed, denied, error).
	Claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_claims_total",
			Help: "Help space claim attempts by outcome.",
		},
		[]string{"guild", "outcome"},
	)

	// Closes counts closed sessions by trigger (close, inactive, released).
	Closes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_closes_total",
			Help: "Closed help sessions by trigger.",
		},
		[]string{"guild", "trigger"},
	)

	// PointsAwarded sums the experience paid by reason.
	PointsAwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_points_awarded_total",
			Help: "Experience points paid to helpers by reason.",
		},
		[]string{"reason"},
	)

	// DecayRuns counts decay runs by result (ok, partial, error).
	DecayRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_decay_runs_total",
			Help: "Experience decay runs by result.",
		},
		[]string{"result"},
	)

	// EventsDropped counts gateway events refused by a full worker queue.
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helpdesk_events_dropped_total",
			Help: "Events dropped because a worker queue was full.",
		},
	)

	// EventsHandled records event handling latency by event type.
	EventsHandled = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helpdesk_event_duration_seconds",
			Help:    "Time spent handling one gateway event.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// RateLimited counts interactions refused by the per-user limiter.
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helpdesk_interactions_rate_limited_total",
			Help: "Interactions refused by the per-user rate limiter.",
		},
	)

	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_http_requests_total",
			Help: "Dashboard HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helpdesk_http_request_duration_seconds",
			Help:    "Dashboard HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(Claims, Closes, PointsAwarded, DecayRuns,
		EventsDropped, EventsHandled, RateLimited, httpReqs, httpLat)
}

// ObserveEvent records how long handling an event of type typ took.
func ObserveEvent(typ string, start time.Time) {
	EventsHandled.WithLabelValues(typ).Observe(time.Since(start).Seconds())
}

// Middleware instruments dashboard requests. The path label is the
// registered route, falling back to the raw path when nothing matched.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		httpReqs.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
