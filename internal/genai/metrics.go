package genai

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records AI client activity. A nil *Metrics records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	throttleTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers the AI client collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachpipe_ai_requests_total",
				Help: "Total number of AI responses requested, by model and outcome",
			},
			[]string{"model", "status"},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachpipe_ai_attempts_total",
				Help: "Total number of provider calls, including retries",
			},
			[]string{"model", "status"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachpipe_ai_tokens_total",
				Help: "Total number of tokens reported by the provider",
			},
			[]string{"model", "type"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachpipe_ai_throttle_total",
				Help: "Total number of requests rejected by the local rate limiter",
			},
			[]string{"model"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachpipe_ai_request_duration_seconds",
				Help:    "Duration of AI responses including retries and backoff",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (m *Metrics) observeRequest(model string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(model, status(success)).Inc()
	m.requestDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) observeAttempt(model string, success bool, promptTokens, completionTokens int64) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(model, status(success)).Inc()
	if success {
		m.tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		m.tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

func (m *Metrics) incThrottle(model string) {
	if m == nil {
		return
	}
	m.throttleTotal.WithLabelValues(model).Inc()
}
