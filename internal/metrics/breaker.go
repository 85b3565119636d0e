package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lodestone-ai/lodestone/internal/resilience"
)

var breakerStateDesc = prometheus.NewDesc(
	prometheus.BuildFQName("lodestone", "", "breaker_state"),
	"Circuit breaker state (0=closed, 1=open, 2=half_open)",
	[]string{"dependency"}, nil,
)

// BreakerCollector exports breaker_state for every registered breaker at
// scrape time, so the gauge never lags the registry.
type BreakerCollector struct {
	stats func() map[string]resilience.BreakerStats
}

// NewBreakerCollector creates a collector backed by a stats snapshot
// function, typically Registry.Stats.
func NewBreakerCollector(stats func() map[string]resilience.BreakerStats) *BreakerCollector {
	return &BreakerCollector{stats: stats}
}

func (c *BreakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerStateDesc
}

func (c *BreakerCollector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range c.stats() {
		ch <- prometheus.MustNewConstMetric(
			breakerStateDesc, prometheus.GaugeValue, breakerStateValue(s.State), name,
		)
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case resilience.StateOpen.String():
		return 1
	case resilience.StateHalfOpen.String():
		return 2
	default:
		return 0
	}
}
