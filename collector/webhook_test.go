package collector

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
)

func TestWebhookDispatchSignsWhenSecretSet(t *testing.T) {
	var sawSignature, sawLegacySecret bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSignature = r.Header.Get("X-Sentinel-Signature") != ""
		sawLegacySecret = r.Header.Get("X-Sentinel-Secret") == "shh"
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.webhooks = append(store.webhooks, &sentinel.WebhookConfig{
		ID: "hook-1", UserID: "user-1", URL: srv.URL, Secret: "shh", IsActive: true,
		Events: map[string]bool{sentinel.EventValidatorUnhealthy: true},
	})

	d := NewWebhookDispatcher(logrus.New(), store)
	d.Dispatch("user-1", sentinel.EventValidatorUnhealthy, map[string]string{"k": "v"})

	if !sawSignature {
		t.Error("expected X-Sentinel-Signature header to be set when hook.Secret is non-empty")
	}

	if !sawLegacySecret {
		t.Error("expected legacy X-Sentinel-Secret header to carry the raw secret")
	}
}

func TestWebhookDispatchSkipsUnsubscribedAndInactive(t *testing.T) {
	var deliveries int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&deliveries, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.webhooks = []*sentinel.WebhookConfig{
		{ID: "hook-inactive", UserID: "user-1", URL: srv.URL, IsActive: false, Events: map[string]bool{sentinel.EventValidatorUnhealthy: true}},
		{ID: "hook-unsubscribed", UserID: "user-1", URL: srv.URL, IsActive: true, Events: map[string]bool{sentinel.EventWebhookTest: true}},
		{ID: "hook-other-user", UserID: "user-2", URL: srv.URL, IsActive: true, Events: map[string]bool{sentinel.EventValidatorUnhealthy: true}},
		{ID: "hook-match", UserID: "user-1", URL: srv.URL, IsActive: true, Events: map[string]bool{sentinel.EventValidatorUnhealthy: true}},
	}

	d := NewWebhookDispatcher(logrus.New(), store)
	d.Dispatch("user-1", sentinel.EventValidatorUnhealthy, map[string]string{"k": "v"})

	if got := atomic.LoadInt32(&deliveries); got != 1 {
		t.Fatalf("expected exactly one delivery to the matching active subscriber, got %d", got)
	}
}

func TestWebhookDispatchOneFailureDoesNotBlockAnother(t *testing.T) {
	var okDelivered int32

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&okDelivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	store := newFakeStore()
	store.webhooks = []*sentinel.WebhookConfig{
		{ID: "hook-fail", UserID: "user-1", URL: failing.URL, IsActive: true, Events: map[string]bool{sentinel.EventValidatorUnhealthy: true}},
		{ID: "hook-ok", UserID: "user-1", URL: ok.URL, IsActive: true, Events: map[string]bool{sentinel.EventValidatorUnhealthy: true}},
	}

	d := NewWebhookDispatcher(logrus.New(), store)
	d.Dispatch("user-1", sentinel.EventValidatorUnhealthy, map[string]string{"k": "v"})

	if atomic.LoadInt32(&okDelivered) != 1 {
		t.Fatal("expected the healthy webhook to still receive its delivery despite the other failing")
	}
}

func TestWebhookPayloadShape(t *testing.T) {
	bodyCh := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodyCh <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.webhooks = []*sentinel.WebhookConfig{
		{ID: "hook-1", UserID: "user-1", URL: srv.URL, IsActive: true, Events: map[string]bool{sentinel.EventValidatorUnhealthy: true}},
	}

	d := NewWebhookDispatcher(logrus.New(), store)
	d.Dispatch("user-1", sentinel.EventValidatorUnhealthy, map[string]string{"k": "v"})

	body := <-bodyCh

	var decoded struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal webhook body: %v", err)
	}

	if decoded.Event != sentinel.EventValidatorUnhealthy {
		t.Fatalf("expected event %q, got %q", sentinel.EventValidatorUnhealthy, decoded.Event)
	}

	if decoded.Data["k"] != "v" {
		t.Fatalf("expected payload data preserved, got %v", decoded.Data)
	}
}
