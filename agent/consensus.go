package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
)

// ConsensusRequestPayload is broadcast by the requester (spec.md §6).
type ConsensusRequestPayload struct {
	ValidatorID string                       `json:"validatorId"`
	Status      sentinel.ReportStatus        `json:"status"`
	AgentID     string                       `json:"agentId"`
	Timestamp   time.Time                    `json:"timestamp"`
	Evidence    []sentinel.HealthCheckResult `json:"evidence"`
	ConsensusID string                       `json:"consensusId"`
}

// ConsensusResponsePayload is broadcast by every responder (spec.md §6).
type ConsensusResponsePayload struct {
	ValidatorID string                      `json:"validatorId"`
	ConsensusID string                      `json:"consensusId"`
	Agree       bool                        `json:"agree"`
	AgentID     string                      `json:"agentId"`
	RequesterID string                      `json:"requesterId"`
	Timestamp   time.Time                   `json:"timestamp"`
	Evidence    *sentinel.HealthCheckResult `json:"evidence,omitempty"`
}

// ConsensusResult is returned by RequestConsensus.
type ConsensusResult struct {
	AgreeCount int
	TotalPeers int
	Responses  []ConsensusResponsePayload
}

// Consensus implements C3: the requester/responder bridge over the peer
// transport. The requester/response correlation uses a typed channel keyed
// by consensusId rather than an event emitter (spec.md §9 Design Note).
type Consensus struct {
	log       logrus.FieldLogger
	cfg       *Config
	transport *Transport
	probe     *Probe

	mu      sync.Mutex
	waiters map[string]chan ConsensusResponsePayload
}

// NewConsensus wires a Consensus responder/requester onto transport, using
// probe for the latest local HealthCheckResult when responding.
func NewConsensus(log logrus.FieldLogger, cfg *Config, transport *Transport, probe *Probe) *Consensus {
	c := &Consensus{
		log:       log.WithField("component", "consensus"),
		cfg:       cfg,
		transport: transport,
		probe:     probe,
		waiters:   make(map[string]chan ConsensusResponsePayload),
	}

	transport.On(sentinel.MsgConsensusRequest, c.handleRequest)
	transport.On(sentinel.MsgConsensusResponse, c.handleResponse)

	return c
}

// RequestConsensus solicits confirmations from peers, per spec.md §4.3.
func (c *Consensus) RequestConsensus(ctx context.Context, validatorID string, evidence []sentinel.HealthCheckResult, timeout time.Duration) ConsensusResult {
	totalPeers := c.transport.PeerCount()
	if totalPeers == 0 {
		return ConsensusResult{}
	}

	consensusID := uuid.NewString()

	responseCh := make(chan ConsensusResponsePayload, totalPeers)

	c.mu.Lock()
	c.waiters[consensusID] = responseCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, consensusID)
		c.mu.Unlock()
	}()

	c.transport.Broadcast(sentinel.MsgConsensusRequest, ConsensusRequestPayload{
		ValidatorID: validatorID,
		Status:      sentinel.StatusUnhealthy,
		AgentID:     c.cfg.AgentID,
		Timestamp:   time.Now(),
		Evidence:    evidence,
		ConsensusID: consensusID,
	})

	latest := make(map[string]ConsensusResponsePayload)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case resp := <-responseCh:
			latest[resp.AgentID] = resp // duplicate responses overwrite
		case <-deadline.C:
			return buildResult(latest, totalPeers)
		case <-ctx.Done():
			return buildResult(latest, totalPeers)
		}
	}
}

func buildResult(latest map[string]ConsensusResponsePayload, totalPeers int) ConsensusResult {
	result := ConsensusResult{TotalPeers: totalPeers}

	for _, resp := range latest {
		result.Responses = append(result.Responses, resp)
		if resp.Agree {
			result.AgreeCount++
		}
	}

	return result
}

// QuorumMet applies the self-inclusive quorum rule (spec.md §4.3/§9). When
// no peers are connected the requester proceeds unilaterally: P2P absence
// must not block alerting.
func (c *Consensus) QuorumMet(result ConsensusResult) bool {
	if result.TotalPeers == 0 {
		return true
	}

	return result.AgreeCount+1 >= c.cfg.ConsensusThreshold
}

func (c *Consensus) handleRequest(env PeerEnvelope) {
	var req ConsensusRequestPayload
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.log.WithError(err).Warn("malformed consensus_request")

		return
	}

	if req.ConsensusID == "" {
		c.log.Warn("consensus_request missing consensusId, dropped")

		return
	}

	if req.ValidatorID != c.cfg.ValidatorID {
		return // unrelated validator, silently dropped
	}

	result, ok := c.probe.Latest()
	if !ok {
		result = c.probe.probe(context.Background())
	}

	agree := result.Status == sentinel.StatusUnhealthy

	resp := ConsensusResponsePayload{
		ValidatorID: req.ValidatorID,
		ConsensusID: req.ConsensusID,
		Agree:       agree,
		AgentID:     c.cfg.AgentID,
		RequesterID: req.AgentID,
		Timestamp:   time.Now(),
	}

	if agree {
		resp.Evidence = &result
	}

	c.transport.Broadcast(sentinel.MsgConsensusResponse, resp)
}

func (c *Consensus) handleResponse(env PeerEnvelope) {
	var resp ConsensusResponsePayload
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		c.log.WithError(err).Warn("malformed consensus_response")

		return
	}

	if resp.RequesterID != c.cfg.AgentID {
		return
	}

	c.mu.Lock()
	ch, ok := c.waiters[resp.ConsensusID]
	c.mu.Unlock()

	if !ok {
		return // late or unknown response, discarded
	}

	select {
	case ch <- resp:
	default:
	}
}
