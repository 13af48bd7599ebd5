// Package metrics exports relay counters on a private Prometheus
// registry so embedding the relay never collides with host metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// relay_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// relay_request_duration_seconds{provider,stream}
	requestDuration *prometheus.HistogramVec

	// relay_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// relay_inflight_requests
	inflight prometheus.Gauge

	// relay_account_state{account} 0=closed 1=open 2=half_open
	breakerState *prometheus.GaugeVec

	// relay_ratelimit_rejections_total{scope}
	rateLimitRejections *prometheus.CounterVec

	// relay_scheduler_exhausted_total
	schedulerExhausted prometheus.Counter

	// relay_sticky_fallbacks_total
	stickyFallbacks prometheus.Counter

	// relay_usage_dropped_total
	usageDropped prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Relay requests by upstream provider and response status",
		}, []string{"provider", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end relay latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider", "stream"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Tokens relayed by provider and direction",
		}, []string{"provider", "direction"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Requests currently holding an upstream slot",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_breaker_state",
			Help: "Circuit breaker state per account (0 closed, 1 open, 2 half-open)",
		}, []string{"account"}),
		rateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ratelimit_rejections_total",
			Help: "Requests rejected by key quotas, by scope",
		}, []string{"scope"}),
		schedulerExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_scheduler_exhausted_total",
			Help: "Requests that found no usable account",
		}),
		stickyFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sticky_fallbacks_total",
			Help: "Sticky-session requests re-dispatched to a different account",
		}),
		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_usage_dropped_total",
			Help: "Usage events dropped by queue backpressure",
		}),
	}

	reg.MustRegister(
		r.requestsTotal, r.requestDuration, r.tokensTotal, r.inflight,
		r.breakerState, r.rateLimitRejections, r.schedulerExhausted,
		r.stickyFallbacks, r.usageDropped,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) ObserveRequest(provider string, status int, stream bool, seconds float64) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(provider, strconv.FormatBool(stream)).Observe(seconds)
}

func (r *Registry) AddTokens(provider string, input, output int64) {
	if input > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(output))
	}
}

func (r *Registry) IncInflight() { r.inflight.Inc() }
func (r *Registry) DecInflight() { r.inflight.Dec() }

func (r *Registry) SetBreakerState(accountID string, state int) {
	r.breakerState.WithLabelValues(accountID).Set(float64(state))
}

func (r *Registry) IncRateLimited(scope string) {
	r.rateLimitRejections.WithLabelValues(scope).Inc()
}

func (r *Registry) IncSchedulerExhausted() { r.schedulerExhausted.Inc() }
func (r *Registry) IncStickyFallback()     { r.stickyFallbacks.Inc() }
func (r *Registry) IncUsageDropped()       { r.usageDropped.Inc() }
