// Package agent implements one Sentinel agent: a Probe (C1), a peer
// Transport (C2), a Consensus requester/responder (C3), and a Reporter
// (C4), all pinned to one validator.
package agent

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
)

// Agent wires together one validator's probe, peer transport, consensus
// bridge, and reporter. It owns none of its collaborators' state directly
// (spec.md §3 Ownership) — it only sequences Start/Stop and connects the
// Probe's results to the Reporter.
type Agent struct {
	log       logrus.FieldLogger
	cfg       *Config
	probe     *Probe
	transport *Transport
	consensus *Consensus
	reporter  *Reporter
	metrics   *Metrics
}

// New constructs an Agent and its collaborators from cfg. Start wires the
// Probe's result stream into the Reporter via the internal event broker
// (spec.md §4.1 ambient note).
func New(log logrus.FieldLogger, cfg *Config) *Agent {
	probe := NewProbe(log, cfg)
	transport := NewTransport(log, cfg)
	consensus := NewConsensus(log, cfg, transport, probe)
	reporter := NewReporter(log, cfg, consensus)

	a := &Agent{
		log:       log,
		cfg:       cfg,
		probe:     probe,
		transport: transport,
		consensus: consensus,
		reporter:  reporter,
	}

	if cfg.MetricsEnabled {
		a.metrics = newMetrics(log, probe.Health())
	}

	return a
}

// Start begins probing, peer transport (if enabled), and report dispatch.
func (a *Agent) Start(ctx context.Context) error {
	a.probe.OnSucceeded(func(result sentinel.HealthCheckResult) {
		a.reporter.HandleProbeResult(ctx, result)
	})
	a.probe.OnFailed(func(result sentinel.HealthCheckResult) {
		a.reporter.HandleProbeResult(ctx, result)
	})

	if err := a.transport.Start(ctx); err != nil {
		return err
	}

	if err := a.probe.Start(ctx); err != nil {
		return err
	}

	if a.metrics != nil {
		a.metrics.Start(portAddr(a.cfg.MetricsPort))
	}

	a.log.WithField("agentId", a.cfg.AgentID).Info("agent started")

	return nil
}

// Stop gracefully shuts down the probe ticker, peer sockets, and metrics
// listener (spec.md §5 Cancellation). The Reporter holds no background work
// of its own, so there is nothing of it to stop.
func (a *Agent) Stop() {
	a.probe.Stop()
	a.transport.Stop()

	if a.metrics != nil {
		a.metrics.Stop()
	}

	a.log.WithField("agentId", a.cfg.AgentID).Info("agent stopped")
}
