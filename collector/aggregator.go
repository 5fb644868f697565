package collector

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
	"github.com/trinnode/Sentinel/collector/storage"
)

// StatusBroadcaster is the narrow capability the Aggregator depends on for
// pushing observer-facing events (spec.md §9 Design Note).
type StatusBroadcaster interface {
	SendValidatorUpdate(validatorID, status string, extra map[string]interface{})
	SendAlertNotification(alert *sentinel.Alert)
	SendConsensusUpdate(validatorID string, totalReports, unhealthyReports, threshold int, consensusReached bool)
}

// WebhookDispatch is the narrow capability the Aggregator depends on for
// event delivery (spec.md §9 Design Note): (userId, event, payload) -> ().
type WebhookDispatch interface {
	Dispatch(userID, eventName string, payload interface{})
}

// Aggregator implements C6: one ConsensusWindow per validator, quorum
// detection, alert creation, cancellation, and aging.
type Aggregator struct {
	log   logrus.FieldLogger
	store storage.Store
	bcast StatusBroadcaster
	hooks WebhookDispatch

	threshold  int
	ageLimit   time.Duration
	sweepEvery time.Duration

	mu      sync.RWMutex
	windows map[string]*ConsensusWindow

	metrics *aggregatorMetrics
	cron    *gocron.Scheduler
}

// NewAggregator constructs an Aggregator. threshold and ageLimit come from
// Config; sweepEvery is fixed at 5 minutes per spec.md §4.6.
func NewAggregator(log logrus.FieldLogger, store storage.Store, bcast StatusBroadcaster, hooks WebhookDispatch, threshold int, ageLimit time.Duration) *Aggregator {
	return &Aggregator{
		log:        log.WithField("component", "aggregator"),
		store:      store,
		bcast:      bcast,
		hooks:      hooks,
		threshold:  threshold,
		ageLimit:   ageLimit,
		sweepEvery: 5 * time.Minute,
		windows:    make(map[string]*ConsensusWindow),
		metrics:    newAggregatorMetrics(),
	}
}

// Start begins the periodic aging sweep (spec.md §4.6).
func (a *Aggregator) Start() error {
	a.cron = gocron.NewScheduler(time.Local)

	if _, err := a.cron.Every(a.sweepEvery.String()).Do(func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.WithField("panic", r).Error("aging sweep panicked, recovered")
			}
		}()

		a.sweepAged()
	}); err != nil {
		return fmt.Errorf("schedule aging sweep: %w", err)
	}

	a.cron.StartAsync()

	return nil
}

// Stop halts the aging sweep.
func (a *Aggregator) Stop() {
	if a.cron != nil {
		a.cron.Stop()
	}
}

func windowKey(validatorID string) string {
	return "validator_" + validatorID
}

// HandleReport processes one persisted AgentReport against validator's
// ConsensusWindow (spec.md §4.6). report.ID is the already-assigned storage
// ID for report.
func (a *Aggregator) HandleReport(report *sentinel.AgentReport, validator *sentinel.Validator) {
	if report.Status == sentinel.StatusHealthy {
		a.handleHealthy(report, validator)

		return
	}

	a.handleUnhealthy(report, validator)
}

func (a *Aggregator) handleUnhealthy(report *sentinel.AgentReport, validator *sentinel.Validator) {
	key := windowKey(report.ValidatorID)

	a.mu.Lock()
	w, exists := a.windows[key]
	if !exists {
		w = newConsensusWindow(report.ValidatorID, a.threshold)
		a.windows[key] = w
		a.metrics.windowsOpen.Inc()
	}
	a.mu.Unlock()

	w.mu.Lock()

	w.upsert(report)
	unhealthyCount := w.unhealthyCount()
	quorumNow := unhealthyCount >= w.Threshold && !w.ConsensusReached

	var reportsSnapshot []*sentinel.AgentReport
	totalReports := w.reportCount()

	if quorumNow {
		w.ConsensusReached = true
		w.Status = windowConsensusReached
		reportsSnapshot = w.allReports()
	}

	w.mu.Unlock()

	if quorumNow {
		a.onQuorumReached(report.ValidatorID, validator, reportsSnapshot, unhealthyCount)
		a.dropWindow(key)
		a.metrics.reachedTotal.Inc()

		return
	}

	a.bcast.SendConsensusUpdate(report.ValidatorID, totalReports, unhealthyCount, w.Threshold, false)
}

func (a *Aggregator) onQuorumReached(validatorID string, validator *sentinel.Validator, reports []*sentinel.AgentReport, unhealthyCount int) {
	alert := &sentinel.Alert{
		ID:          uuid.NewString(),
		ValidatorID: validatorID,
		UserID:      validator.UserID,
		Status:      sentinel.AlertPending,
		Message:     fmt.Sprintf("Validator %s is unhealthy. Consensus reached with %d agent reports.", validator.Name, unhealthyCount),
		CreatedAt:   time.Now(),
	}

	if err := a.store.SaveAlert(alert); err != nil {
		// The failure is logged and not returned to the caller. The
		// consensusReached latch is already set and the caller drops the
		// window afterwards, so this quorum event is not retried and its
		// reports keep their UNHEALTHY status.
		a.log.WithError(err).Error("failed to persist alert, quorum event not fully recorded")

		return
	}

	for _, r := range reports {
		if err := a.store.UpdateReportStatus(r.ID, sentinel.StatusConsensusReached, true); err != nil {
			a.log.WithError(err).WithField("reportId", r.ID).Error("failed to rewrite report to CONSENSUS_REACHED")
		}
	}

	a.bcast.SendValidatorUpdate(validatorID, "unhealthy", map[string]interface{}{
		"alertId":     alert.ID,
		"reportCount": len(reports),
	})
	a.bcast.SendAlertNotification(alert)

	a.hooks.Dispatch(validator.UserID, sentinel.EventValidatorUnhealthy, map[string]interface{}{
		"validator": validator,
		"alert":     alert,
		"consensusData": map[string]interface{}{
			"reportCount": len(reports),
			"threshold":   a.threshold,
		},
	})
}

func (a *Aggregator) handleHealthy(report *sentinel.AgentReport, validator *sentinel.Validator) {
	key := windowKey(report.ValidatorID)

	a.mu.Lock()
	w, exists := a.windows[key]
	if exists {
		delete(a.windows, key)
	}
	a.mu.Unlock()

	if !exists {
		return // no window to cancel: idempotent no-op
	}

	w.mu.Lock()
	w.Status = windowCancelled
	reports := w.allReports()
	w.mu.Unlock()

	for _, r := range reports {
		if err := a.store.UpdateReportStatus(r.ID, sentinel.StatusConsensusFailed, false); err != nil {
			a.log.WithError(err).WithField("reportId", r.ID).Error("failed to rewrite report to CONSENSUS_FAILED")
		}
	}

	a.metrics.cancelledTotal.Inc()
	a.metrics.windowsOpen.Dec()

	a.bcast.SendValidatorUpdate(report.ValidatorID, "healthy", map[string]interface{}{
		"consensusCancelled": true,
	})
}

func (a *Aggregator) dropWindow(key string) {
	a.mu.Lock()
	delete(a.windows, key)
	a.mu.Unlock()

	a.metrics.windowsOpen.Dec()
}

// sweepAged transitions any window older than ageLimit that has not reached
// quorum to AGED_OUT, rewriting its reports to CONSENSUS_FAILED. No
// broadcast is emitted (spec.md §4.6).
func (a *Aggregator) sweepAged() {
	a.mu.Lock()
	var aged []string
	var agedWindows []*ConsensusWindow

	for key, w := range a.windows {
		w.mu.Lock()
		isAged := !w.ConsensusReached && w.isOlderThan(a.ageLimit)
		w.mu.Unlock()

		if isAged {
			aged = append(aged, key)
			agedWindows = append(agedWindows, w)
		}
	}

	for _, key := range aged {
		delete(a.windows, key)
	}
	a.mu.Unlock()

	for _, w := range agedWindows {
		w.mu.Lock()
		w.Status = windowAgedOut
		reports := w.allReports()
		w.mu.Unlock()

		for _, r := range reports {
			if err := a.store.UpdateReportStatus(r.ID, sentinel.StatusConsensusFailed, false); err != nil {
				a.log.WithError(err).WithField("reportId", r.ID).Error("failed to rewrite aged report to CONSENSUS_FAILED")
			}
		}

		a.metrics.agedOutTotal.Inc()
		a.metrics.windowsOpen.Dec()
	}
}
