package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline records job pipeline activity.
type Pipeline interface {
	// IncDispatch counts one processing attempt. path is "event" or "sweep";
	// outcome is "processed", "skipped", "failed" or "error".
	IncDispatch(path, outcome string)
	ObserveGeneration(outcome string, d time.Duration)
	// IncCredit counts ledger calls by operation and result.
	IncCredit(op, outcome string)
	// AddSwept counts jobs handled by a periodic loop.
	AddSwept(loop, outcome string, n int)
	ObserveRequest(method, route string, status int, d time.Duration)
}

// Noop implements Pipeline without emitting anything.
type Noop struct{}

func (Noop) IncDispatch(string, string)                        {}
func (Noop) ObserveGeneration(string, time.Duration)           {}
func (Noop) IncCredit(string, string)                          {}
func (Noop) AddSwept(string, string, int)                      {}
func (Noop) ObserveRequest(string, string, int, time.Duration) {}

// Prom implements Pipeline with Prometheus collectors.
type Prom struct {
	dispatches  *prometheus.CounterVec
	generations *prometheus.HistogramVec
	credits     *prometheus.CounterVec
	swept       *prometheus.CounterVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	gatherer    prometheus.Gatherer
}

// NewProm registers the pipeline collectors on reg. A nil reg uses a fresh
// registry so tests and multiple instances never collide.
func NewProm(namespace string, reg *prometheus.Registry) *Prom {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Prom{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Processing attempts by dispatch path and outcome",
		}, []string{"path", "outcome"}),
		generations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Worker run time by outcome",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120},
		}, []string{"outcome"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_operations_total",
			Help:      "Ledger operations by kind and outcome",
		}, []string{"op", "outcome"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_jobs_total",
			Help:      "Jobs handled by periodic loops",
		}, []string{"loop", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}
	reg.MustRegister(p.dispatches, p.generations, p.credits, p.swept, p.requests, p.latency)
	return p
}

func (p *Prom) IncDispatch(path, outcome string) {
	p.dispatches.WithLabelValues(path, outcome).Inc()
}

func (p *Prom) ObserveGeneration(outcome string, d time.Duration) {
	p.generations.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *Prom) IncCredit(op, outcome string) {
	p.credits.WithLabelValues(op, outcome).Inc()
}

func (p *Prom) AddSwept(loop, outcome string, n int) {
	if n <= 0 {
		return
	}
	p.swept.WithLabelValues(loop, outcome).Add(float64(n))
}

func (p *Prom) ObserveRequest(method, route string, status int, d time.Duration) {
	p.requests.WithLabelValues(method, route, http.StatusText(status)).Inc()
	p.latency.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler exposes the collectors registered through NewProm.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
