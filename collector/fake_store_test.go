package collector

import (
	"fmt"
	"sync"
	"time"

	"github.com/trinnode/Sentinel"
	"github.com/trinnode/Sentinel/collector/storage"
)

// fakeStore is an in-memory storage.Store used by the collector package's
// own tests, grounded on the same narrow-interface fakes the reference
// alerting service uses for its evaluator tests.
type fakeStore struct {
	mu sync.Mutex

	agents     map[string]*sentinel.Agent
	validators map[string]*sentinel.Validator
	reports    map[string]*sentinel.AgentReport
	alerts     []*sentinel.Alert
	webhooks   []*sentinel.WebhookConfig

	saveAlertErr error
	nextReportID int
}

var _ storage.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:     make(map[string]*sentinel.Agent),
		validators: make(map[string]*sentinel.Validator),
		reports:    make(map[string]*sentinel.AgentReport),
	}
}

func (f *fakeStore) GetAgentWithValidator(agentID string) (*sentinel.Agent, *sentinel.Validator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	agent, ok := f.agents[agentID]
	if !ok {
		return nil, nil, errNotFound
	}

	return agent, f.validators[agent.ValidatorID], nil
}

func (f *fakeStore) TouchAgentLastSeen(agentID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if agent, ok := f.agents[agentID]; ok {
		agent.LastSeen = at
	}

	return nil
}

func (f *fakeStore) SaveReport(report *sentinel.AgentReport) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextReportID++
	id := fmt.Sprintf("report-%d", f.nextReportID)
	report.ID = id
	f.reports[id] = report

	return id, nil
}

func (f *fakeStore) UpdateReportStatus(reportID string, status sentinel.ReportStatus, consensus bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.reports[reportID]; ok {
		r.Status = status
		r.Consensus = consensus
	}

	return nil
}

func (f *fakeStore) SaveAlert(alert *sentinel.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.saveAlertErr != nil {
		return f.saveAlertErr
	}

	f.alerts = append(f.alerts, alert)

	return nil
}

func (f *fakeStore) ListActiveWebhooks(userID, eventName string) ([]*sentinel.WebhookConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*sentinel.WebhookConfig
	for _, w := range f.webhooks {
		if w.UserID == userID && w.IsActive && w.HasEvent(eventName) {
			out = append(out, w)
		}
	}

	return out, nil
}

func (f *fakeStore) Ping() error { return nil }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.alerts)
}

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

const errNotFound = notFoundError("not found")
