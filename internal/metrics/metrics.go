// Package metrics exposes Prometheus counters for the bot core and
// serves them on a side port.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the bot records.
type Metrics struct {
	registry *prometheus.Registry

	MessagesProcessed *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	ResponsesSent     prometheus.Counter
	BridgeCalls       *prometheus.CounterVec
	ProcessingTime    prometheus.Histogram
	QueueDepth        prometheus.Gauge
	PendingFlows      prometheus.Gauge
	BridgeUp          prometheus.Gauge
}

// New creates the instrument set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drasbot_messages_processed_total",
			Help: "Inbound messages by terminal status.",
		}, []string{"status"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drasbot_messages_dropped_total",
			Help: "Inbound messages dropped before processing.",
		}, []string{"reason"}),
		ResponsesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "drasbot_responses_sent_total",
			Help: "Outbound replies delivered through the bridge.",
		}),
		BridgeCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drasbot_bridge_calls_total",
			Help: "Bridge HTTP calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "drasbot_processing_seconds",
			Help:    "Pipeline duration per inbound message.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drasbot_queue_depth",
			Help: "Inbound messages waiting for a worker.",
		}),
		PendingFlows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drasbot_pending_registrations",
			Help: "Name-capture flows in flight.",
		}),
		BridgeUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drasbot_bridge_up",
			Help: "1 when the bridge process answers the liveness probe.",
		}),
	}
}

// Handler returns the exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server wraps the exposition HTTP server.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer builds the side-port server for /metrics.
func NewServer(m *Metrics, port int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info("metrics server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
