// Package telemetry provides opt-in watering metrics. It is safe to call
// from worker loops: when disabled, all public functions are no-ops. The
// collectors mirror what the operator cares about per session: how often the
// garden was watered, for how long, how much water flowed, and whether it
// was a manual or an automatic run.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the telemetry module. MetricsAddr, when non-empty, starts
// a dedicated HTTP server that serves /metrics; if Prometheus is already
// exposed elsewhere, leave it empty and register promhttp yourself.
type Config struct {
	Enabled     bool
	MetricsAddr string
}

var (
	modEnabled atomic.Bool

	wateringsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rasp_water_waterings_total",
		Help: "Total completed watering sessions, by operation type",
	}, []string{"operation"})
	wateringSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rasp_water_watering_seconds",
		Help:    "Distribution of watering session lengths in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	})
	wateringLitres = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rasp_water_watering_litres",
		Help:    "Distribution of water volume per session in litres",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 50, 100},
	})
	flowGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rasp_water_flow_lpm",
		Help: "Most recent reported mean flow in litres per minute",
	})
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rasp_water_errors_total",
		Help: "Total safety and control errors, by type",
	}, []string{"type"})
)

func init() {
	// Register eagerly. If no endpoint is exposed, registration is harmless.
	prometheus.MustRegister(wateringsTotal, wateringSeconds, wateringLitres, flowGauge, errorsTotal)
}

// Enable configures the module. Safe to call multiple times.
func Enable(cfg Config) {
	modEnabled.Store(cfg.Enabled)

	if cfg.Enabled && cfg.MetricsAddr != "" {
		startMetricsEndpoint(cfg.MetricsAddr)
	}
}

// Enabled reports whether telemetry is active.
func Enabled() bool { return modEnabled.Load() }

// ObserveWatering records one completed session. operation is "manual" or
// "auto".
func ObserveWatering(operation string, periodSec, litres float64) {
	if !modEnabled.Load() {
		return
	}
	wateringsTotal.WithLabelValues(operation).Inc()
	wateringSeconds.Observe(periodSec)
	wateringLitres.Observe(litres)
}

// ObserveFlow records the latest interim mean flow.
func ObserveFlow(lpm float64) {
	if !modEnabled.Load() {
		return
	}
	flowGauge.Set(lpm)
}

// RecordError counts one error of the given type.
func RecordError(errType string) {
	if !modEnabled.Load() {
		return
	}
	errorsTotal.WithLabelValues(errType).Inc()
}

// startMetricsEndpoint exposes /metrics on addr in a background goroutine.
func startMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
