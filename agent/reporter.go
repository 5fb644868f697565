package agent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
)

// reportPayload is the wire body posted to /api/report (spec.md §6).
type reportPayload struct {
	AgentID     string                `json:"agentId"`
	AgentAPIKey string                `json:"agentApiKey"`
	ValidatorID string                `json:"validatorId"`
	Status      sentinel.ReportStatus `json:"status"`
	Message     string                `json:"message,omitempty"`
	Signature   string                `json:"signature,omitempty"`
}

// Reporter submits status transitions to the collector, suppressing
// reports unless quorum confirms or the status flips (spec.md §4.4).
type Reporter struct {
	log       logrus.FieldLogger
	cfg       *Config
	client    *http.Client
	consensus *Consensus

	mu    sync.Mutex
	sPrev sentinel.ReportStatus
}

// NewReporter constructs a Reporter bound to consensus for the quorum check.
// sPrev starts HEALTHY: a validator is assumed healthy until an agent ever
// reports otherwise, so the first probe cycle never emits a spurious report.
func NewReporter(log logrus.FieldLogger, cfg *Config, consensus *Consensus) *Reporter {
	return &Reporter{
		log:       log.WithField("component", "reporter"),
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		consensus: consensus,
		sPrev:     sentinel.StatusHealthy,
	}
}

// HandleProbeResult is the Probe-cycle entry point driving the reporter's
// state machine: s = result.Status, s_prev = last status successfully
// reported.
func (r *Reporter) HandleProbeResult(ctx context.Context, result sentinel.HealthCheckResult) {
	if result.Status == sentinel.StatusUnhealthy {
		r.handleUnhealthy(ctx, result)

		return
	}

	r.handleHealthy(ctx, result)
}

func (r *Reporter) handleUnhealthy(ctx context.Context, result sentinel.HealthCheckResult) {
	consensusResult := r.consensus.RequestConsensus(ctx, result.ValidatorID, []sentinel.HealthCheckResult{result}, r.cfg.ConsensusTimeout)

	if !r.consensus.QuorumMet(consensusResult) {
		r.log.WithFields(logrus.Fields{
			"agreeCount": consensusResult.AgreeCount,
			"totalPeers": consensusResult.TotalPeers,
		}).Debug("quorum not met, suppressing report")

		return
	}

	message := fmt.Sprintf("beacon node unhealthy: %s", result.Error)

	if r.send(ctx, sentinel.StatusUnhealthy, message) {
		r.setPrev(sentinel.StatusUnhealthy)
	}
}

func (r *Reporter) handleHealthy(ctx context.Context, result sentinel.HealthCheckResult) {
	r.mu.Lock()
	prev := r.sPrev
	r.mu.Unlock()

	if prev != sentinel.StatusUnhealthy {
		return // suppressed: only a recovery from a reported UNHEALTHY is newsworthy
	}

	if r.send(ctx, sentinel.StatusHealthy, "beacon node recovered") {
		r.setPrev(sentinel.StatusHealthy)
	}
}

func (r *Reporter) setPrev(status sentinel.ReportStatus) {
	r.mu.Lock()
	r.sPrev = status
	r.mu.Unlock()
}

// send submits one report with retry/backoff, returning true on success.
func (r *Reporter) send(ctx context.Context, status sentinel.ReportStatus, message string) bool {
	payload := reportPayload{
		AgentID:     r.cfg.AgentID,
		AgentAPIKey: r.cfg.AgentAPIKey,
		ValidatorID: r.cfg.ValidatorID,
		Status:      status,
		Message:     message,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		r.log.WithError(err).Error("marshal report payload")

		return false
	}

	if r.cfg.ReportSigningSecret != "" {
		payload.Signature = sign(body, r.cfg.ReportSigningSecret)

		body, err = json.Marshal(payload)
		if err != nil {
			r.log.WithError(err).Error("marshal signed report payload")

			return false
		}
	}

	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second

			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
		}

		if err := r.post(ctx, body); err != nil {
			lastErr = err

			continue
		}

		return true
	}

	r.log.WithError(lastErr).WithField("status", status).Error("report submission exhausted retries")

	return false
}

func (r *Reporter) post(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.cfg.BackendAPIURL+"/api/report", bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	}

	return nil
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}
