package main

import (
	"context"
	"testing"
	"time"
)

type fakeEventSource struct {
	fakeNodeClient
	events  []NodeEvent
	listErr error
	calls   int
}

func (f *fakeEventSource) ListEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, uint64, error) {
	f.calls++
	if f.listErr != nil {
		return nil, after, f.listErr
	}
	var out []NodeEvent
	next := after
	for _, evt := range f.events {
		if evt.Sequence <= after || len(out) >= limit {
			continue
		}
		out = append(out, evt)
		next = evt.Sequence
	}
	return out, next, nil
}

func TestWatcherMirrorsAndEnqueues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	node := &fakeEventSource{events: []NodeEvent{
		{
			Sequence:   1,
			Type:       "escrow.created",
			Attributes: map[string]string{"id": "AB12", "asset": "WSVT", "amount": "50"},
			CommitTime: 1700000100,
		},
		{
			Sequence:   2,
			Type:       "escrow.withdrawn",
			Attributes: map[string]string{"id": "0xab12", "secret": "0xfeed"},
			CommitTime: 1700000200,
		},
	}}
	queue := NewWebhookQueue()
	watcher := NewEventWatcher(node, store, queue, nil, time.Second, 100)

	after := watcher.poll(ctx, 0)
	if after != 2 {
		t.Fatalf("expected cursor 2, got %d", after)
	}

	events, err := store.EventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 mirrored events, got %d", len(events))
	}
	// Escrow ids normalise to lowercase 0x-prefixed hex.
	if events[0].EscrowID != "0xab12" || events[1].EscrowID != "0xab12" {
		t.Fatalf("unexpected escrow ids %q, %q", events[0].EscrowID, events[1].EscrowID)
	}
	if events[0].CommitTime.Unix() != 1700000100 {
		t.Fatalf("unexpected commit time %s", events[0].CommitTime)
	}

	seq, err := store.LastEventSequence(ctx)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected persisted cursor 2, got %d", seq)
	}

	dequeueCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	first, ok := queue.Dequeue(dequeueCtx)
	if !ok || first.Event.Sequence != 1 {
		t.Fatalf("expected queued event 1, got %+v ok=%v", first, ok)
	}
	second, ok := queue.Dequeue(dequeueCtx)
	if !ok || second.Event.Sequence != 2 {
		t.Fatalf("expected queued event 2, got %+v ok=%v", second, ok)
	}

	// A second poll from the same cursor mirrors nothing new.
	after = watcher.poll(ctx, after)
	if after != 2 {
		t.Fatalf("cursor moved without new events: %d", after)
	}
	events, err = store.EventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected no duplicate mirrors, got %d", len(events))
	}
}

func TestWatcherKeepsCursorOnError(t *testing.T) {
	store := newTestStore(t)
	node := &fakeEventSource{listErr: context.DeadlineExceeded}
	queue := NewWebhookQueue()
	watcher := NewEventWatcher(node, store, queue, nil, time.Second, 100)

	after := watcher.poll(context.Background(), 7)
	if after != 7 {
		t.Fatalf("cursor must not move on poll failure, got %d", after)
	}
}
