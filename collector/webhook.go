package collector

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
	"github.com/trinnode/Sentinel/collector/storage"
)

// webhookDeliveryPayload is the JSON body POSTed to every subscribed
// webhook URL (spec.md §4.8/§6).
type webhookDeliveryPayload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// WebhookDispatcher implements C8: one-shot, concurrent, no-retry
// delivery of event payloads to every active WebhookConfig subscribed to
// that event, grounded on the reference alerting channel's WebhookChannel.Send.
type WebhookDispatcher struct {
	log    logrus.FieldLogger
	store  storage.Store
	client *http.Client
}

// NewWebhookDispatcher constructs a dispatcher with a 10s hard timeout per
// delivery (spec.md §4.8.3).
func NewWebhookDispatcher(log logrus.FieldLogger, store storage.Store) *WebhookDispatcher {
	return &WebhookDispatcher{
		log:    log.WithField("component", "webhook"),
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Dispatch implements the aggregator's webhook-dispatcher capability:
// (userId, event, payload) -> (). All matching webhooks fire concurrently
// and independently; one failure never affects another (spec.md §4.8.4).
func (d *WebhookDispatcher) Dispatch(userID, eventName string, payload interface{}) {
	hooks, err := d.store.ListActiveWebhooks(userID, eventName)
	if err != nil {
		d.log.WithError(err).WithField("event", eventName).Error("failed to list webhooks")

		return
	}

	var wg sync.WaitGroup

	for _, hook := range hooks {
		wg.Add(1)

		go func(hook *sentinel.WebhookConfig) {
			defer wg.Done()

			d.deliver(hook, eventName, payload)
		}(hook)
	}

	wg.Wait()
}

func (d *WebhookDispatcher) deliver(hook *sentinel.WebhookConfig, eventName string, payload interface{}) {
	body, err := json.Marshal(webhookDeliveryPayload{
		Event:     eventName,
		Timestamp: time.Now(),
		Data:      payload,
	})
	if err != nil {
		d.log.WithError(err).Error("failed to marshal webhook payload")

		return
	}

	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		d.log.WithError(err).WithField("url", hook.URL).Error("failed to build webhook request")

		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	req.Header.Set("User-Agent", "Sentinel-Webhook/1.0")

	if hook.Secret != "" {
		signature := hmac.New(sha256.New, []byte(hook.Secret))
		signature.Write(body)
		req.Header.Set("X-Sentinel-Signature", hex.EncodeToString(signature.Sum(nil)))
		// Legacy header: raw secret in the clear. Documented anti-pattern
		// (spec.md §9) — kept only because the source dispatcher still
		// sends it and some existing receivers depend on it.
		req.Header.Set("X-Sentinel-Secret", hook.Secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.WithError(err).WithField("url", hook.URL).Warn("webhook delivery failed")

		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		d.log.WithFields(logrus.Fields{
			"url":    hook.URL,
			"status": resp.StatusCode,
			"body":   string(respBody),
		}).Warn("webhook delivery returned non-2xx")
	}
}
