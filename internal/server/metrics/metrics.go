// Package metrics exposes the server's Prometheus collectors and the HTTP
// router that serves them next to the health endpoints.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "gophsync"

// Write outcomes.
const (
	WriteCommitted = "committed"
	WriteConflict  = "conflict"
	WriteFailed    = "error"
)

type Metrics struct {
	registry      *prometheus.Registry
	writes        *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
	subscriptions prometheus.Gauge
	published     prometheus.Counter
}

// New registers the collectors on a fresh registry, so several servers
// (and tests) can coexist in one process.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settings_writes_total",
			Help:      "Conditional settings writes by outcome.",
		}, []string{"result"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Duration of unary RPCs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "change_subscriptions",
			Help:      "Open change subscriptions.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_published_total",
			Help:      "Committed snapshots pushed to subscribers.",
		}),
	}
	m.registry.MustRegister(m.writes, m.rpcDuration, m.subscriptions, m.published)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveWrite(result string) {
	m.writes.WithLabelValues(result).Inc()
}

func (m *Metrics) SubscriptionOpened() { m.subscriptions.Inc() }
func (m *Metrics) SubscriptionClosed() { m.subscriptions.Dec() }
func (m *Metrics) ChangePublished()    { m.published.Inc() }

// UnaryInterceptor records the duration and status code of every unary call.
func (m *Metrics) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.rpcDuration.
			WithLabelValues(info.FullMethod, status.Code(err).String()).
			Observe(time.Since(start).Seconds())
		return resp, err
	}
}
