package collector

import (
	"sync"
	"time"

	"github.com/trinnode/Sentinel"
)

// windowStatus is the ConsensusWindow's own lifecycle state (spec.md §4.6),
// distinct from sentinel.ReportStatus which describes individual reports.
type windowStatus string

const (
	windowOpen             windowStatus = "OPEN"
	windowConsensusReached windowStatus = "CONSENSUS_REACHED"
	windowCancelled        windowStatus = "CANCELLED"
	windowAgedOut          windowStatus = "AGED_OUT"
)

// ConsensusWindow is the in-memory per-validator state described in
// spec.md §3/§4.6. reports is keyed by agentId so upserting the latest
// report per agent (I-2) is O(1).
type ConsensusWindow struct {
	mu sync.Mutex

	ValidatorID      string
	Status           windowStatus
	Threshold        int
	OpenedAt         time.Time
	ConsensusReached bool // latch: set exactly once, guards I-3

	reports map[string]*sentinel.AgentReport
}

func newConsensusWindow(validatorID string, threshold int) *ConsensusWindow {
	return &ConsensusWindow{
		ValidatorID: validatorID,
		Status:      windowOpen,
		Threshold:   threshold,
		OpenedAt:    time.Now(),
		reports:     make(map[string]*sentinel.AgentReport),
	}
}

// upsert replaces the window's report for report.AgentID with report,
// keeping the newest wins invariant (I-2).
func (w *ConsensusWindow) upsert(report *sentinel.AgentReport) {
	w.reports[report.AgentID] = report
}

// unhealthyCount recomputes the count of reports currently UNHEALTHY.
func (w *ConsensusWindow) unhealthyCount() int {
	n := 0

	for _, r := range w.reports {
		if r.Status == sentinel.StatusUnhealthy {
			n++
		}
	}

	return n
}

// allReports returns every report currently in the window.
func (w *ConsensusWindow) allReports() []*sentinel.AgentReport {
	out := make([]*sentinel.AgentReport, 0, len(w.reports))

	for _, r := range w.reports {
		out = append(out, r)
	}

	return out
}

// reportCount returns the number of distinct agents with a report in the window.
func (w *ConsensusWindow) reportCount() int {
	return len(w.reports)
}

func (w *ConsensusWindow) isOlderThan(limit time.Duration) bool {
	return time.Since(w.OpenedAt) > limit
}
