package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for synthesis runs.
type Metrics struct {
	config MetricsConfig

	stacksSynthesized *prometheus.CounterVec
	synthDuration     *prometheus.HistogramVec
	resourcesDeclared *prometheus.GaugeVec
	policyViolations  *prometheus.CounterVec
	errorsByClass     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		stacksSynthesized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stacks_synthesized_total",
				Help:      "Total number of stack synthesis attempts",
			},
			[]string{"stack", "status"},
		),
		synthDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "synth_duration_seconds",
				Help:      "Duration of stack synthesis in seconds",
				Buckets:   buckets,
			},
			[]string{"stack"},
		),
		resourcesDeclared: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_declared",
				Help:      "Number of resources declared by the last synthesis of a stack",
			},
			[]string{"stack", "type"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations found",
			},
			[]string{"policy", "severity"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.stacksSynthesized,
		m.synthDuration,
		m.resourcesDeclared,
		m.policyViolations,
		m.errorsByClass,
	)

	return m, nil
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordStackSynthesized records one synthesis attempt of a stack.
func (m *Metrics) RecordStackSynthesized(stack, status string, duration time.Duration) {
	if m.stacksSynthesized == nil {
		return
	}
	m.stacksSynthesized.WithLabelValues(stack, status).Inc()
	m.synthDuration.WithLabelValues(stack).Observe(duration.Seconds())
}

// SetResourcesDeclared replaces the per-type resource counts of a stack.
func (m *Metrics) SetResourcesDeclared(stack string, countsByType map[string]int) {
	if m.resourcesDeclared == nil {
		return
	}
	m.resourcesDeclared.DeletePartialMatch(prometheus.Labels{"stack": stack})
	for typ, n := range countsByType {
		m.resourcesDeclared.WithLabelValues(stack, typ).Set(float64(n))
	}
}

// RecordPolicyViolation records a policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	if errorClass == "" {
		errorClass = "unclassified"
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint on the configured address until ctx is
// done. It returns once the listener is bound; serve errors go to errFn.
func (m *Metrics) Serve(ctx context.Context, errFn func(error)) (net.Addr, error) {
	if !m.config.Enabled {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && errFn != nil {
			errFn(err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return ln.Addr(), nil
}
