package collector

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
)

type fakeBroadcaster struct {
	mu               sync.Mutex
	validatorUpdates []string
	alerts           []*sentinel.Alert
	consensusUpdates int
}

func (f *fakeBroadcaster) SendValidatorUpdate(validatorID, status string, extra map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.validatorUpdates = append(f.validatorUpdates, validatorID+":"+status)
}

func (f *fakeBroadcaster) SendAlertNotification(alert *sentinel.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.alerts = append(f.alerts, alert)
}

func (f *fakeBroadcaster) SendConsensusUpdate(validatorID string, totalReports, unhealthyReports, threshold int, consensusReached bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.consensusUpdates++
}

type fakeHooks struct {
	mu        sync.Mutex
	dispatched int
}

func (f *fakeHooks) Dispatch(userID, eventName string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dispatched++
}

func testValidator() *sentinel.Validator {
	return &sentinel.Validator{ID: "validator-1", Name: "validator-1", UserID: "user-1", IsActive: true}
}

// reportFrom builds an AgentReport and registers it in store so that the
// Aggregator's later UpdateReportStatus calls have something to mutate,
// mirroring how ingress persists a report before handing it to the
// Aggregator.
func reportFrom(t *testing.T, store *fakeStore, agentID string, status sentinel.ReportStatus) *sentinel.AgentReport {
	t.Helper()

	report := &sentinel.AgentReport{
		ID:          agentID + "-report",
		AgentID:     agentID,
		ValidatorID: "validator-1",
		Status:      status,
		CreatedAt:   time.Now(),
	}

	store.mu.Lock()
	store.reports[report.ID] = report
	store.mu.Unlock()

	return report
}

func TestAggregatorReachesQuorumOnceAtThreshold(t *testing.T) {
	store := newFakeStore()
	bcast := &fakeBroadcaster{}
	hooks := &fakeHooks{}

	agg := NewAggregator(logrus.New(), store, bcast, hooks, 2, 10*time.Minute)
	validator := testValidator()

	agg.HandleReport(reportFrom(t, store, "agent-1", sentinel.StatusUnhealthy), validator)
	if store.alertCount() != 0 {
		t.Fatal("expected no alert before threshold reached")
	}

	agg.HandleReport(reportFrom(t, store, "agent-2", sentinel.StatusUnhealthy), validator)
	if store.alertCount() != 1 {
		t.Fatalf("expected exactly one alert at threshold, got %d", store.alertCount())
	}

	// A third unhealthy report for the same validator must not create a
	// second alert: the prior window was dropped on quorum, so this report
	// opens a fresh window holding one report, below threshold.
	agg.HandleReport(reportFrom(t, store, "agent-3", sentinel.StatusUnhealthy), validator)
	if store.alertCount() != 1 {
		t.Fatalf("expected quorum to fire exactly once (I-3), got %d alerts", store.alertCount())
	}
}

func TestAggregatorCancelsOnHealthy(t *testing.T) {
	store := newFakeStore()
	bcast := &fakeBroadcaster{}
	hooks := &fakeHooks{}

	agg := NewAggregator(logrus.New(), store, bcast, hooks, 2, 10*time.Minute)
	validator := testValidator()

	agg.HandleReport(reportFrom(t, store, "agent-1", sentinel.StatusUnhealthy), validator)
	agg.HandleReport(reportFrom(t, store, "agent-2", sentinel.StatusHealthy), validator)

	if store.alertCount() != 0 {
		t.Fatalf("expected no alert when a HEALTHY report cancels the window, got %d", store.alertCount())
	}

	report1 := store.reports["agent-1-report"]
	if report1.Status != sentinel.StatusConsensusFailed {
		t.Fatalf("expected cancelled window's report rewritten to CONSENSUS_FAILED, got %s", report1.Status)
	}

	// Window is gone: a second HEALTHY report is an idempotent no-op.
	agg.HandleReport(reportFrom(t, store, "agent-3", sentinel.StatusHealthy), validator)
}

func TestAggregatorSweepAgesOutStaleWindow(t *testing.T) {
	store := newFakeStore()
	bcast := &fakeBroadcaster{}
	hooks := &fakeHooks{}

	agg := NewAggregator(logrus.New(), store, bcast, hooks, 2, time.Millisecond)
	validator := testValidator()

	agg.HandleReport(reportFrom(t, store, "agent-1", sentinel.StatusUnhealthy), validator)

	time.Sleep(5 * time.Millisecond)
	agg.sweepAged()

	if store.alertCount() != 0 {
		t.Fatal("an aged-out window must never create an alert")
	}

	report1 := store.reports["agent-1-report"]
	if report1.Status != sentinel.StatusConsensusFailed {
		t.Fatalf("expected aged report rewritten to CONSENSUS_FAILED, got %s", report1.Status)
	}

	// Window removed: a fresh unhealthy report opens a brand new window.
	agg.HandleReport(reportFrom(t, store, "agent-2", sentinel.StatusUnhealthy), validator)
	agg.HandleReport(reportFrom(t, store, "agent-3", sentinel.StatusUnhealthy), validator)

	if store.alertCount() != 1 {
		t.Fatalf("expected a new window to reach quorum independently of the aged-out one, got %d alerts", store.alertCount())
	}
}

func TestAggregatorAlertPersistenceFailureSkipsSideEffects(t *testing.T) {
	store := newFakeStore()
	store.saveAlertErr = errNotFound // any non-nil error
	bcast := &fakeBroadcaster{}
	hooks := &fakeHooks{}

	agg := NewAggregator(logrus.New(), store, bcast, hooks, 2, 10*time.Minute)
	validator := testValidator()

	agg.HandleReport(reportFrom(t, store, "agent-1", sentinel.StatusUnhealthy), validator)
	agg.HandleReport(reportFrom(t, store, "agent-2", sentinel.StatusUnhealthy), validator)

	if hooks.dispatched != 0 {
		t.Fatal("webhook dispatch must not fire when alert persistence fails")
	}

	report1 := store.reports["agent-1-report"]
	if report1.Status == sentinel.StatusConsensusReached {
		t.Fatal("reports must not be rewritten to CONSENSUS_REACHED when the alert failed to persist")
	}
}
