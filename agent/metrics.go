package agent

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics exposes the Probe's debounced Health signal as the agent's
// optional Prometheus surface (SPEC_FULL.md §6), off by default and
// started only when MetricsEnabled is set.
type Metrics struct {
	log    logrus.FieldLogger
	server *http.Server
}

// newMetrics registers gauge/counter series backed directly by health's
// accessors, following the same Register-with-AlreadyRegisteredError
// tolerance as the collector's aggregatorMetrics.
func newMetrics(log logrus.FieldLogger, health *Health) *Metrics {
	healthy := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sentinel_agent_healthy",
		Help: "1 if the debounced health tracker currently reports healthy, 0 otherwise.",
	}, func() float64 {
		if health.Healthy() {
			return 1
		}

		return 0
	})

	successTotal := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "sentinel_agent_probe_success_total",
		Help: "Total number of healthy probe cycles.",
	}, func() float64 {
		return float64(health.SuccessTotal())
	})

	failTotal := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "sentinel_agent_probe_failed_total",
		Help: "Total number of unhealthy probe cycles.",
	}, func() float64 {
		return float64(health.FailedTotal())
	})

	for _, c := range []prometheus.Collector{healthy, successTotal, failTotal} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return &Metrics{log: log.WithField("component", "metrics")}
}

// Start serves /metrics on addr until Stop is called.
func (m *Metrics) Start(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	m.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.WithError(err).Error("metrics listener stopped")
		}
	}()
}

// Stop shuts down the metrics listener.
func (m *Metrics) Stop() {
	if m.server == nil {
		return
	}

	_ = m.server.Shutdown(context.Background())
}
