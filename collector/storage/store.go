// Package storage defines the collector's durable-storage adapter and its
// PostgreSQL/Redis implementation.
package storage

import (
	"time"

	"github.com/trinnode/Sentinel"
)

// Store is the durable-storage capability the collector depends on:
// agent/validator lookups for ingress auth, report/alert persistence for
// the aggregator, and webhook config lookups for the dispatcher. It is the
// narrow external adapter the Design Notes call for (spec.md §9) — HTTP
// framework and storage are both kept out of the aggregator's own
// capability interfaces.
type Store interface {
	// GetAgentWithValidator loads an Agent and its owning Validator by
	// agentId, for ingress authentication (spec.md §4.5).
	GetAgentWithValidator(agentID string) (*sentinel.Agent, *sentinel.Validator, error)

	// TouchAgentLastSeen sets agent.lastSeen = at (spec.md §4.5, I-5).
	// Ingress calls it after SaveReport as a separate write; the two are
	// not committed in one transaction.
	TouchAgentLastSeen(agentID string, at time.Time) error

	// SaveReport persists a new AgentReport and returns its assigned ID.
	SaveReport(report *sentinel.AgentReport) (string, error)

	// UpdateReportStatus rewrites the status of an already-persisted report
	// (the ConsensusWindow→terminal-status rewrite, spec.md §4.6).
	UpdateReportStatus(reportID string, status sentinel.ReportStatus, consensus bool) error

	// SaveAlert persists a new Alert.
	SaveAlert(alert *sentinel.Alert) error

	// ListActiveWebhooks returns active WebhookConfigs for userID subscribed
	// to eventName (spec.md §4.8).
	ListActiveWebhooks(userID, eventName string) ([]*sentinel.WebhookConfig, error)

	// Ping verifies the storage connection is alive, for the /ready probe.
	Ping() error

	// Close releases underlying connections.
	Close() error
}
