package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Lookup results reported by the session table.
const (
	LookupHit  = "hit"
	LookupMiss = "miss"
)

// Datagram drop reasons reported by the gateway.
const (
	DropMalformed  = "malformed"
	DropUnknownCID = "unknown_cid"
	DropPlain      = "plain_record"
	DropHandler    = "handler_error"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cidgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cidgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cidgate",
			Subsystem: "session",
			Name:      "lookups_total",
			Help:      "Session table lookups by connection id.",
		},
		[]string{"result"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cidgate",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently held in the table.",
		},
	)
	sessionMigrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cidgate",
			Subsystem: "session",
			Name:      "migrations_total",
			Help:      "Peer address changes observed for an existing connection id.",
		},
	)
	sessionExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cidgate",
			Subsystem: "session",
			Name:      "expired_total",
			Help:      "Sessions dropped after the idle timeout.",
		},
	)
	gatewayRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cidgate",
			Subsystem: "gateway",
			Name:      "records_total",
			Help:      "Records routed to a session, by content type.",
		},
		[]string{"type"},
	)
	gatewayDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cidgate",
			Subsystem: "gateway",
			Name:      "dropped_total",
			Help:      "Datagrams or records dropped by the gateway.",
		},
		[]string{"reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionLookups,
			sessionsActive,
			sessionMigrations,
			sessionExpired,
			gatewayRecords,
			gatewayDrops,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionLookup(hit bool) {
	RegisterMetrics()
	if hit {
		sessionLookups.WithLabelValues(LookupHit).Inc()
		return
	}
	sessionLookups.WithLabelValues(LookupMiss).Inc()
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	sessionsActive.Set(float64(n))
}

func RecordMigration() {
	RegisterMetrics()
	sessionMigrations.Inc()
}

func RecordExpired(n int) {
	RegisterMetrics()
	sessionExpired.Add(float64(n))
}

func RecordGatewayRecord(contentType string) {
	RegisterMetrics()
	gatewayRecords.WithLabelValues(contentType).Inc()
}

func RecordGatewayDrop(reason string) {
	RegisterMetrics()
	gatewayDrops.WithLabelValues(reason).Inc()
}
