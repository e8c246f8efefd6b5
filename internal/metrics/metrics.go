// Package metrics counts what the node does so a fleet operator can
// scrape it. The counters are deliberately few: publish outcomes,
// queue drops, sensor read failures, and update check results cover
// every question the dashboards ask.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the node's instruments on a private registry, so tests can
// hold several Sets without collection collisions.
type Set struct {
	registry *prometheus.Registry

	Publishes       prometheus.Counter
	PublishFailures prometheus.Counter
	PayloadsDropped prometheus.Counter
	SensorFailures  *prometheus.CounterVec
	OTAChecks       *prometheus.CounterVec
}

// NewSet registers the node's counters on a fresh registry.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envnode_publishes_total",
			Help: "Payloads acknowledged by the broker.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envnode_publish_failures_total",
			Help: "Publish attempts that failed or timed out.",
		}),
		PayloadsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envnode_payloads_dropped_total",
			Help: "Payloads evicted from the queue to make room for fresher ones.",
		}),
		SensorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envnode_sensor_read_failures_total",
			Help: "Failed sensor reads by sensor kind.",
		}, []string{"sensor"}),
		OTAChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envnode_ota_checks_total",
			Help: "Completed update checks by outcome.",
		}, []string{"result"}),
	}
	reg.MustRegister(s.Publishes, s.PublishFailures, s.PayloadsDropped, s.SensorFailures, s.OTAChecks)
	return s
}

// Handler serves the set in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve runs a scrape endpoint on addr until ctx ends.
func (s *Set) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("metrics listener started", "addr", addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
