package metrics

import "github.com/prometheus/client_golang/prometheus"

// promVecs mirrors RecordRequest observations into Prometheus vectors kept
// label-compatible with channel id, so a scrape reflects exactly what the
// control-plane channelMetrics operation would report, without itself being
// the system of record (spec §1 forbids persisting metrics, not exposing them).
type promVecs struct {
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

// newPromVecs registers its vectors on a private registry (rather than
// prometheus.DefaultRegisterer) so constructing more than one Manager in a
// process — as tests do — never collides on duplicate metric registration.
func newPromVecs(reg *prometheus.Registry) *promVecs {
	p := &promVecs{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waveproxy",
			Name:      "channel_requests_total",
			Help:      "Total upstream attempts per channel.",
		}, []string{"channel_id"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waveproxy",
			Name:      "channel_failures_total",
			Help:      "Total failed upstream attempts per channel.",
		}, []string{"channel_id"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "waveproxy",
			Name:      "channel_latency_ms",
			Help:      "Upstream attempt latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"channel_id"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waveproxy",
			Name:      "channel_tokens_total",
			Help:      "Total tokens observed per channel, by direction.",
		}, []string{"channel_id", "direction"}),
	}
	for _, c := range p.collectors() {
		reg.MustRegister(c)
	}
	return p
}

func (p *promVecs) observe(channelID string, success bool, latencyMs float64, inputTokens, outputTokens int64) {
	p.requests.WithLabelValues(channelID).Inc()
	if !success {
		p.failures.WithLabelValues(channelID).Inc()
	}
	p.latency.WithLabelValues(channelID).Observe(latencyMs)
	if inputTokens > 0 {
		p.tokens.WithLabelValues(channelID, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		p.tokens.WithLabelValues(channelID, "output").Add(float64(outputTokens))
	}
}

func (p *promVecs) collectors() []prometheus.Collector {
	return []prometheus.Collector{p.requests, p.failures, p.latency, p.tokens}
}
