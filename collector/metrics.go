package collector

import "github.com/prometheus/client_golang/prometheus"

// aggregatorMetrics collects the Prometheus series describing ConsensusWindow
// lifecycle (spec.md §4.6 ambient addition), grouped into one small struct
// since the aggregator is a single concern (unlike the reference beacon
// wrapper's per-concern MetricsJob split).
type aggregatorMetrics struct {
	windowsOpen    prometheus.Gauge
	reachedTotal   prometheus.Counter
	cancelledTotal prometheus.Counter
	agedOutTotal   prometheus.Counter
}

func newAggregatorMetrics() *aggregatorMetrics {
	m := &aggregatorMetrics{
		windowsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_consensus_windows_open",
			Help: "Number of ConsensusWindows currently open.",
		}),
		reachedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_consensus_reached_total",
			Help: "Total number of ConsensusWindows that reached quorum.",
		}),
		cancelledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_consensus_cancelled_total",
			Help: "Total number of ConsensusWindows cancelled by a HEALTHY report.",
		}),
		agedOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_consensus_aged_out_total",
			Help: "Total number of ConsensusWindows that aged out without reaching quorum.",
		}),
	}

	for _, c := range []prometheus.Collector{m.windowsOpen, m.reachedTotal, m.cancelledTotal, m.agedOutTotal} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return m
}
