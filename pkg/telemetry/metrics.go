package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestrator.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec

	// Site metrics
	sitesByState *prometheus.GaugeVec

	// Driver metrics
	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec

	// Health monitor metrics
	healthProbes        *prometheus.CounterVec
	healthProbeFailures *prometheus.CounterVec

	// Migration metrics
	migrations        *prometheus.CounterVec
	migrationDuration *prometheus.HistogramVec

	// Error metrics
	errorsByReason *prometheus.CounterVec

	// Port allocator metrics
	portsReserved prometheus.Gauge

	registry *prometheus.Registry
	health   healthcheck.Handler
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,
		health:   healthcheck.NewHandler(),

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of site operations started",
			},
			[]string{"operation", "environment"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of site operations completed",
			},
			[]string{"operation", "environment", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of site operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "environment"},
		),

		sitesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sites",
				Help:      "Current number of sites by status and environment",
			},
			[]string{"status", "environment"},
		),

		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_calls_total",
				Help:      "Total number of backend driver calls",
			},
			[]string{"driver", "operation"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "driver_call_duration_seconds",
				Help:      "Duration of backend driver calls in seconds",
				Buckets:   buckets,
			},
			[]string{"driver", "operation"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_errors_total",
				Help:      "Total number of backend driver errors",
			},
			[]string{"driver", "operation"},
		),

		healthProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Total number of site health probes",
			},
			[]string{"result"},
		),
		healthProbeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probe_failures_total",
				Help:      "Total number of consecutive-failure threshold breaches",
			},
			[]string{"environment"},
		),

		migrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_total",
				Help:      "Total number of site migrations",
			},
			[]string{"source", "target", "result"},
		),
		migrationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_duration_seconds",
				Help:      "Duration of site migrations in seconds",
				Buckets:   buckets,
			},
			[]string{"source", "target"},
		),

		errorsByReason: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_reason_total",
				Help:      "Total number of errors by reason code",
			},
			[]string{"reason"},
		),

		portsReserved: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ports_reserved",
				Help:      "Current number of reserved host ports",
			},
		),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsCompleted,
		m.operationDuration,
		m.sitesByState,
		m.driverCalls,
		m.driverDuration,
		m.driverErrors,
		m.healthProbes,
		m.healthProbeFailures,
		m.migrations,
		m.migrationDuration,
		m.errorsByReason,
		m.portsReserved,
	)

	return m, nil
}

// RecordOperationStarted increments the counter for started operations.
func (m *Metrics) RecordOperationStarted(operation, environment string) {
	if m.operationsStarted == nil {
		return
	}
	m.operationsStarted.WithLabelValues(operation, environment).Inc()
}

// RecordOperationCompleted records a completed operation with its result
// and duration.
func (m *Metrics) RecordOperationCompleted(operation, environment, result string, duration time.Duration) {
	if m.operationsCompleted == nil {
		return
	}
	m.operationsCompleted.WithLabelValues(operation, environment, result).Inc()
	m.operationDuration.WithLabelValues(operation, environment).Observe(duration.Seconds())
}

// SetSiteCount sets the current count of sites in a status/environment.
func (m *Metrics) SetSiteCount(status, environment string, count float64) {
	if m.sitesByState == nil {
		return
	}
	m.sitesByState.WithLabelValues(status, environment).Set(count)
}

// RecordDriverCall records a driver call with its duration.
func (m *Metrics) RecordDriverCall(driver, operation string, duration time.Duration) {
	if m.driverCalls == nil {
		return
	}
	m.driverCalls.WithLabelValues(driver, operation).Inc()
	m.driverDuration.WithLabelValues(driver, operation).Observe(duration.Seconds())
}

// RecordDriverError records a driver error.
func (m *Metrics) RecordDriverError(driver, operation string) {
	if m.driverErrors == nil {
		return
	}
	m.driverErrors.WithLabelValues(driver, operation).Inc()
}

// RecordHealthProbe records a single site health probe outcome.
func (m *Metrics) RecordHealthProbe(result string) {
	if m.healthProbes == nil {
		return
	}
	m.healthProbes.WithLabelValues(result).Inc()
}

// RecordHealthThresholdBreached records a consecutive-failure breach.
func (m *Metrics) RecordHealthThresholdBreached(environment string) {
	if m.healthProbeFailures == nil {
		return
	}
	m.healthProbeFailures.WithLabelValues(environment).Inc()
}

// RecordMigration records a site migration attempt.
func (m *Metrics) RecordMigration(source, target, result string, duration time.Duration) {
	if m.migrations == nil {
		return
	}
	m.migrations.WithLabelValues(source, target, result).Inc()
	m.migrationDuration.WithLabelValues(source, target).Observe(duration.Seconds())
}

// RecordError records an error by reason code.
func (m *Metrics) RecordError(reason string) {
	if m.errorsByReason == nil {
		return
	}
	m.errorsByReason.WithLabelValues(reason).Inc()
}

// SetPortsReserved sets the current number of reserved ports.
func (m *Metrics) SetPortsReserved(count float64) {
	if m.portsReserved == nil {
		return
	}
	m.portsReserved.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// AddReadinessCheck registers a named readiness check on the admin
// endpoint. The endpoint reports ready only when every check passes.
func (m *Metrics) AddReadinessCheck(name string, check func() error) {
	if m.health == nil {
		return
	}
	m.health.AddReadinessCheck(name, healthcheck.Check(check))
}

// AddLivenessCheck registers a named liveness check on the admin endpoint.
func (m *Metrics) AddLivenessCheck(name string, check func() error) {
	if m.health == nil {
		return
	}
	m.health.AddLivenessCheck(name, healthcheck.Check(check))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartAdminServer starts the admin HTTP server serving metrics plus
// liveness and readiness endpoints.
func (m *Metrics) StartAdminServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	mux.HandleFunc("/live", m.health.LiveEndpoint)
	mux.HandleFunc("/ready", m.health.ReadyEndpoint)

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("admin server error: %v\n", err)
		}
	}()

	return nil
}
