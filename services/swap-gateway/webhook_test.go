package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhookWorkerDeliversSignedPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var gotBody []byte
	var gotSignature string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	sub := WebhookSubscription{
		ID:        "sub-1",
		APIKey:    "partner-1",
		EventType: "escrow.withdrawn",
		URL:       receiver.URL,
		Secret:    "hook-secret",
		RateLimit: 60,
		Active:    true,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := store.InsertWebhook(ctx, sub); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue, nil)

	event := WebhookEvent{
		Sequence:   7,
		Type:       "escrow.withdrawn",
		EscrowID:   "0xabc123",
		Attributes: map[string]string{"secret": "0xfeed", "asset": "WSVT"},
		CreatedAt:  time.Unix(1700000100, 0).UTC(),
	}
	worker.deliver(ctx, WebhookTask{Event: event, Subscription: &sub})

	if len(gotBody) == 0 {
		t.Fatalf("receiver saw no delivery")
	}
	var payload struct {
		Type     string `json:"type"`
		Sequence uint64 `json:"sequence"`
		EscrowID string `json:"escrowId"`
	}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Type != "escrow.withdrawn" || payload.Sequence != 7 || payload.EscrowID != "0xabc123" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSignature != want {
		t.Fatalf("signature mismatch: got %s want %s", gotSignature, want)
	}

	attempts, err := store.ListWebhookAttempts(ctx, "sub-1", 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Status != "success" {
		t.Fatalf("expected one successful attempt, got %+v", attempts)
	}
}

func TestWebhookWorkerExpandsFanout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := WebhookSubscription{
		ID: "sub-active", APIKey: "partner-1", EventType: "*",
		URL: "https://partner.example/hooks", Secret: "s1", Active: true,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	disabled := WebhookSubscription{
		ID: "sub-disabled", APIKey: "partner-2", EventType: "escrow.created",
		URL: "https://other.example/hooks", Secret: "s2", Active: true,
		CreatedAt: time.Unix(1700000001, 0).UTC(),
	}
	if err := store.InsertWebhook(ctx, active); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}
	if err := store.InsertWebhook(ctx, disabled); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}
	if err := store.DeactivateWebhook(ctx, "sub-disabled"); err != nil {
		t.Fatalf("deactivate webhook: %v", err)
	}

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue, nil)

	event := WebhookEvent{Sequence: 1, Type: "escrow.created", CreatedAt: time.Now()}
	worker.expandTask(ctx, WebhookTask{Event: event})

	dequeueCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	task, ok := queue.Dequeue(dequeueCtx)
	if !ok {
		t.Fatalf("expected one expanded task")
	}
	if task.Subscription == nil || task.Subscription.ID != "sub-active" {
		t.Fatalf("expected task for active subscription, got %+v", task.Subscription)
	}

	drainCtx, cancelDrain := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelDrain()
	if extra, ok := queue.Dequeue(drainCtx); ok {
		t.Fatalf("unexpected extra task %+v", extra)
	}
}

func TestWebhookWorkerRecordsFailureAndAbandons(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var hits atomic.Int64
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer receiver.Close()

	sub := WebhookSubscription{
		ID: "sub-1", APIKey: "partner-1", EventType: "*",
		URL: receiver.URL, Secret: "s1", RateLimit: 60, Active: true,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := store.InsertWebhook(ctx, sub); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue, nil)
	event := WebhookEvent{Sequence: 3, Type: "escrow.created", CreatedAt: time.Now()}

	// Final allowed attempt: the failure is recorded but not requeued.
	worker.deliver(ctx, WebhookTask{Event: event, Subscription: &sub, Attempt: maxWebhookAttempts - 1})

	if hits.Load() != 1 {
		t.Fatalf("expected one delivery attempt, got %d", hits.Load())
	}
	attempts, err := store.ListWebhookAttempts(ctx, "sub-1", 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected one recorded attempt, got %d", len(attempts))
	}
	if attempts[0].Status != "failed" || attempts[0].Attempt != maxWebhookAttempts {
		t.Fatalf("unexpected attempt record %+v", attempts[0])
	}

	drainCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if task, ok := queue.Dequeue(drainCtx); ok {
		t.Fatalf("abandoned delivery must not requeue, got %+v", task)
	}
}

func TestWebhookWorkerRequeuesWithBackoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer receiver.Close()

	sub := WebhookSubscription{
		ID: "sub-1", APIKey: "partner-1", EventType: "*",
		URL: receiver.URL, Secret: "s1", RateLimit: 60, Active: true,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := store.InsertWebhook(ctx, sub); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue, nil)
	before := time.Now()
	worker.deliver(ctx, WebhookTask{
		Event:        WebhookEvent{Sequence: 4, Type: "escrow.created", CreatedAt: before},
		Subscription: &sub,
	})

	dequeueCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	task, ok := queue.Dequeue(dequeueCtx)
	if !ok {
		t.Fatalf("expected requeued task")
	}
	if task.Attempt != 1 {
		t.Fatalf("expected attempt counter 1, got %d", task.Attempt)
	}
	if task.NotBefore.Before(before.Add(500 * time.Millisecond)) {
		t.Fatalf("expected backoff of about a second, NotBefore %s", task.NotBefore)
	}
}

func TestBackoffDuration(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 12, want: 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDuration(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestWebhookWorkerRateWindow(t *testing.T) {
	worker := NewWebhookWorker(nil, NewWebhookQueue(), nil)
	base := time.Unix(1700000000, 0).UTC()

	if !worker.allow("sub-1", 2, base) {
		t.Fatalf("first call should pass")
	}
	if !worker.allow("sub-1", 2, base.Add(time.Second)) {
		t.Fatalf("second call should pass")
	}
	if worker.allow("sub-1", 2, base.Add(2*time.Second)) {
		t.Fatalf("third call within the window should be limited")
	}
	if !worker.allow("sub-1", 2, base.Add(time.Minute+time.Second)) {
		t.Fatalf("new window should reset the counter")
	}
	// Other subscriptions keep their own windows.
	if !worker.allow("sub-2", 1, base.Add(2*time.Second)) {
		t.Fatalf("independent subscription should pass")
	}
}
