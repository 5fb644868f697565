package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chuckpreslar/emission"
	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
)

// Events emitted on a Probe's internal broker. Same-process fan-out only —
// never used for the P2P consensus bridge (see consensus.go).
const (
	EventProbeSucceeded = "probe_succeeded"
	EventProbeFailed    = "probe_failed"
)

// Probe issues timed health checks against a validator's beacon node.
type Probe struct {
	log logrus.FieldLogger
	cfg *Config

	client *http.Client
	health *Health
	broker *emission.Emitter

	mu     sync.RWMutex
	latest *sentinel.HealthCheckResult

	cron *gocron.Scheduler
}

// NewProbe constructs a Probe for the validator/beacon pair in cfg.
func NewProbe(log logrus.FieldLogger, cfg *Config) *Probe {
	return &Probe{
		log:    log.WithField("component", "probe"),
		cfg:    cfg,
		client: &http.Client{},
		health: NewHealth(1, cfg.HealthCheckRetries+1),
		broker: emission.NewEmitter(),
	}
}

// OnSucceeded registers a handler invoked after every healthy probe cycle.
func (p *Probe) OnSucceeded(handler func(sentinel.HealthCheckResult)) {
	p.broker.On(EventProbeSucceeded, handler)
}

// OnFailed registers a handler invoked after every unhealthy probe cycle.
func (p *Probe) OnFailed(handler func(sentinel.HealthCheckResult)) {
	p.broker.On(EventProbeFailed, handler)
}

// Health returns the debounced healthy/unhealthy tracker backing the
// agent's optional /metrics surface (SPEC_FULL.md §6).
func (p *Probe) Health() *Health {
	return p.health
}

// Latest returns the most recent probe result, if any has completed yet.
func (p *Probe) Latest() (sentinel.HealthCheckResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.latest == nil {
		return sentinel.HealthCheckResult{}, false
	}

	return *p.latest, true
}

// Start performs one probe immediately, then every HealthCheckInterval.
func (p *Probe) Start(ctx context.Context) error {
	p.runCycle(ctx)

	p.cron = gocron.NewScheduler(time.Local)

	if _, err := p.cron.Every(p.cfg.HealthCheckInterval.String()).Do(func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.WithField("panic", r).Error("probe cycle panicked, recovered")
			}
		}()

		p.runCycle(ctx)
	}); err != nil {
		return fmt.Errorf("schedule probe: %w", err)
	}

	p.cron.StartAsync()

	return nil
}

// Stop cancels the next scheduled tick; a probe already in flight is not
// interrupted.
func (p *Probe) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

func (p *Probe) runCycle(ctx context.Context) {
	result := p.probe(ctx)

	p.mu.Lock()
	p.latest = &result
	p.mu.Unlock()

	p.health.Observe(result)

	if result.Status == sentinel.StatusHealthy {
		p.broker.Emit(EventProbeSucceeded, result)
	} else {
		p.broker.Emit(EventProbeFailed, result)
	}
}

// probe runs one full health-check cycle including retries, per spec.md §4.1.
func (p *Probe) probe(ctx context.Context) sentinel.HealthCheckResult {
	start := time.Now()

	var lastErr error

	for attempt := 0; attempt <= p.cfg.HealthCheckRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()

				return p.unhealthyResult(start, lastErr)
			case <-time.After(time.Second):
			}
		}

		ok, err := p.checkHealth(ctx)
		if ok {
			result := sentinel.HealthCheckResult{
				ValidatorID:  p.cfg.ValidatorID,
				Status:       sentinel.StatusHealthy,
				ResponseTime: time.Since(start),
				Timestamp:    time.Now(),
			}

			if height, err := p.fetchBlockHeight(ctx); err == nil {
				result.BeaconBlockHeight = height
			}

			return result
		}

		lastErr = err
	}

	return p.unhealthyResult(start, lastErr)
}

func (p *Probe) unhealthyResult(start time.Time, lastErr error) sentinel.HealthCheckResult {
	errStr := ""
	if lastErr != nil {
		errStr = lastErr.Error()
	}

	return sentinel.HealthCheckResult{
		ValidatorID:  p.cfg.ValidatorID,
		Status:       sentinel.StatusUnhealthy,
		ResponseTime: time.Since(start),
		Timestamp:    time.Now(),
		Error:        errStr,
	}
}

func (p *Probe) checkHealth(ctx context.Context) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.cfg.BeaconNodeURL+"/eth/v1/node/health", nil)
	if err != nil {
		return false, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}

	return false, fmt.Errorf("beacon health check returned %d", resp.StatusCode)
}

func (p *Probe) fetchBlockHeight(ctx context.Context) (uint64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout/2)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.cfg.BeaconNodeURL+"/eth/v1/beacon/blocks/head", nil)
	if err != nil {
		return 0, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("blocks/head returned %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Message struct {
				Slot string `json:"slot"`
			} `json:"message"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}

	slot, err := strconv.ParseUint(body.Data.Message.Slot, 10, 64)
	if err != nil {
		return 0, err
	}

	return slot, nil
}
