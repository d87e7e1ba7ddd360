package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "supervisor",
			Name:      "attempts_total",
			Help:      "Hub session attempts by outcome.",
		},
		[]string{"outcome"},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hubd",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (1 for the active state).",
		},
		[]string{"state"},
	)
	discoveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "apps",
			Name:      "discovery_failures_total",
			Help:      "App discovery runs that returned an error or panicked.",
		},
	)
	appsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hubd",
			Subsystem: "apps",
			Name:      "loaded",
			Help:      "Apps currently initialized.",
		},
	)
	appReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "apps",
			Name:      "reloads_total",
			Help:      "App configuration reloads by result.",
		},
		[]string{"success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionAttempts,
			connectionState,
			discoveryFailures,
			appsLoaded,
			appReloads,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAttempt(outcome string) {
	RegisterMetrics()
	sessionAttempts.WithLabelValues(outcome).Inc()
}

// SetConnectionState marks state as the only active supervisor state.
func SetConnectionState(state string) {
	RegisterMetrics()
	connectionState.Reset()
	connectionState.WithLabelValues(state).Set(1)
}

func RecordDiscoveryFailure() {
	RegisterMetrics()
	discoveryFailures.Inc()
}

func SetAppsLoaded(n int) {
	RegisterMetrics()
	appsLoaded.Set(float64(n))
}

func RecordAppReload(success bool) {
	RegisterMetrics()
	appReloads.WithLabelValues(strconv.FormatBool(success)).Inc()
}
