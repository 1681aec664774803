// Package metrics exposes the agent's operational counters.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics bundles the instruments updated by the scheduling loop.
type Metrics struct {
	Registry *prometheus.Registry

	LinesPulled   *prometheus.CounterVec
	EncodeErrors  *prometheus.CounterVec
	Dispatched    *prometheus.CounterVec
	StashedGauge  prometheus.Gauge
	TickDuration  prometheus.Histogram
	InputsActive  prometheus.Gauge
	InputsRetired prometheus.Counter
}

// New creates a registry with the agent's instruments on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		LinesPulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tailship_lines_pulled_total",
			Help: "Raw lines pulled from inputs.",
		}, []string{"input"}),
		EncodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tailship_encode_errors_total",
			Help: "Lines dropped because they could not be encoded.",
		}, []string{"input"}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tailship_envelopes_dispatched_total",
			Help: "Envelopes handed to the router.",
		}, []string{"type"}),
		StashedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tailship_envelopes_stashed",
			Help: "Envelopes currently held back by stalled deliveries.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tailship_tick_duration_seconds",
			Help:    "Wall time of one scheduling tick.",
			Buckets: prometheus.DefBuckets,
		}),
		InputsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tailship_inputs_active",
			Help: "Inputs currently being polled.",
		}),
		InputsRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tailship_inputs_retired_total",
			Help: "Inputs retired after becoming unusable.",
		}),
	}

	reg.MustRegister(
		m.LinesPulled,
		m.EncodeErrors,
		m.Dispatched,
		m.StashedGauge,
		m.TickDuration,
		m.InputsActive,
		m.InputsRetired,
	)
	return m
}

// Serve runs the Prometheus endpoint until the context is cancelled.
func Serve(ctx context.Context, listen string, reg *prometheus.Registry, log *logrus.Entry) error {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("metrics listening on %s", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
