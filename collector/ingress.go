package collector

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
	"github.com/trinnode/Sentinel/collector/storage"
)

// reportRequest is the wire body accepted at POST /api/report (spec.md §6).
type reportRequest struct {
	AgentID     string                `json:"agentId" binding:"required"`
	AgentAPIKey string                `json:"agentApiKey" binding:"required"`
	ValidatorID string                `json:"validatorId" binding:"required"`
	Status      sentinel.ReportStatus `json:"status" binding:"required"`
	Message     string                `json:"message"`
	Signature   string                `json:"signature"`
}

// Ingress implements C5: authenticates, persists, and hands off reports to
// the Aggregator.
type Ingress struct {
	log        logrus.FieldLogger
	store      storage.Store
	aggregator *Aggregator
	hooks      WebhookDispatch
}

// NewIngress constructs an Ingress bound to store, aggregator, and the
// webhook dispatcher (used only for the test-delivery trigger below —
// webhook CRUD itself stays out of scope per spec.md §2).
func NewIngress(log logrus.FieldLogger, store storage.Store, aggregator *Aggregator, hooks WebhookDispatch) *Ingress {
	return &Ingress{
		log:        log.WithField("component", "ingress"),
		store:      store,
		aggregator: aggregator,
		hooks:      hooks,
	}
}

// RegisterRoutes mounts POST /api/report and the webhook test trigger on
// router.
func (in *Ingress) RegisterRoutes(router gin.IRouter) {
	router.POST("/api/report", in.handleReport)
	router.POST("/api/webhooks/test", in.handleWebhookTest)
}

type webhookTestRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// handleWebhookTest fires the webhook.test event for userID (spec.md §6's
// External Interfaces list it as an event the core emits). Webhook
// configuration itself (which URL/secret to hit) is resolved by the
// dispatcher from already-stored WebhookConfigs — this endpoint does not
// manage or create webhooks.
func (in *Ingress) handleWebhookTest(c *gin.Context) {
	var req webhookTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed request: " + err.Error()})

		return
	}

	in.hooks.Dispatch(req.UserID, sentinel.EventWebhookTest, map[string]interface{}{
		"message": "This is a test webhook delivery from Sentinel.",
	})

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (in *Ingress) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed request: " + err.Error()})

		return
	}

	// Incoming reports are constrained to HEALTHY/UNHEALTHY; CONSENSUS_*
	// statuses are aggregator-internal (spec.md §9 Open Question, tightened
	// here per the note that implementations may do so).
	if !req.Status.IngressValid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid status"})

		return
	}

	agent, validator, err := in.store.GetAgentWithValidator(req.AgentID)
	if err != nil {
		in.logResult(req, "rejected: unknown agent")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unknown agent"})

		return
	}

	if !agent.IsActive {
		in.logResult(req, "rejected: inactive agent")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "agent inactive"})

		return
	}

	if subtle.ConstantTimeCompare([]byte(agent.APIKey), []byte(req.AgentAPIKey)) != 1 {
		in.logResult(req, "rejected: key mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid credentials"})

		return
	}

	if agent.ValidatorID != req.ValidatorID {
		in.logResult(req, "rejected: validator scope mismatch")
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "validator scope mismatch"})

		return
	}

	if !validator.IsActive {
		in.logResult(req, "rejected: inactive validator")
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "validator inactive"})

		return
	}

	now := time.Now()

	report := &sentinel.AgentReport{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		ValidatorID: req.ValidatorID,
		Status:      req.Status,
		Message:     req.Message,
		CreatedAt:   now,
		ReceivedAt:  now,
	}

	reportID, err := in.store.SaveReport(report)
	if err != nil {
		in.log.WithError(err).Error("failed to persist report")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})

		return
	}

	report.ID = reportID

	if err := in.store.TouchAgentLastSeen(req.AgentID, now); err != nil {
		in.log.WithError(err).Error("failed to update agent lastSeen")
	}

	in.aggregator.HandleReport(report, validator)

	in.logResult(req, "accepted")

	c.JSON(http.StatusOK, gin.H{"success": true, "reportId": reportID})
}

func (in *Ingress) logResult(req reportRequest, result string) {
	in.log.WithFields(logrus.Fields{
		"agentId":     req.AgentID,
		"validatorId": req.ValidatorID,
		"status":      req.Status,
		"result":      result,
	}).Info("report processed")
}
