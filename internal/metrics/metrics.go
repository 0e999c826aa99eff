package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the dispatcher.
	Registry = prometheus.NewRegistry()

	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Bookings counts booking attempts by outcome (confirmed, rejected, error)
	Bookings = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bookings_total", Help: "Booking attempts by outcome."},
		[]string{"outcome"},
	)
	// SolverDuration tracks solver invocations in seconds by result
	SolverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "solver_duration_seconds", Help: "Solver invocation duration.", Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5}},
		[]string{"result"},
	)
	// LifecycleOps counts lifecycle manager actions (frozen, split, deleted routes/nodes)
	LifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lifecycle_ops_total", Help: "Route lifecycle operations by kind."},
		[]string{"kind"},
	)
	// InboundEvents counts consumed integration events by type and result
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_events_total", Help: "Inbound integration events by type and result."},
		[]string{"type", "result"},
	)
	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the dispatcher registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(Bookings)
		Registry.MustRegister(SolverDuration)
		Registry.MustRegister(LifecycleOps)
		Registry.MustRegister(InboundEvents)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
