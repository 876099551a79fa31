package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the API
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

	// Runs counts finished solver runs by algorithm and outcome (feasible, infeasible, error)
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "solver_runs_total", Help: "Solver runs by algorithm and outcome."},
		[]string{"algorithm", "outcome"},
	)
	// RunsInFlight is the number of runs currently executing
	RunsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "solver_runs_in_flight", Help: "Solver runs currently executing."},
	)
	// SolveDuration records wall time per run in seconds
	SolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "solver_run_duration_seconds", Help: "Solver run duration in seconds.", Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60}},
		[]string{"algorithm"},
	)
	// Iterations counts search iterations performed
	Iterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "solver_iterations_total", Help: "Search iterations performed."},
		[]string{"algorithm"},
	)
	// RejectedCandidates counts candidates discarded as infeasible or tabu
	RejectedCandidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "solver_rejected_candidates_total", Help: "Candidates rejected as infeasible or tabu."},
		[]string{"algorithm"},
	)
	// BestCost is the last best cost per algorithm
	BestCost = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "solver_best_cost", Help: "Best cost of the most recent run."},
		[]string{"algorithm"},
	)

	// WebhookDeliveries counts callback delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks callback delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)

	// RateLimited counts requests rejected by the per-tenant limiter
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_rate_limited_total", Help: "Requests rejected by the rate limiter."},
		[]string{"tenant"},
	)
)

// RegisterDefault registers collectors to the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(Runs)
		Registry.MustRegister(RunsInFlight)
		Registry.MustRegister(SolveDuration)
		Registry.MustRegister(Iterations)
		Registry.MustRegister(RejectedCandidates)
		Registry.MustRegister(BestCost)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(RateLimited)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterDefault()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
