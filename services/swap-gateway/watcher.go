package main

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// EventWatcher tails the node's journal over RPC, mirrors entries into the
// local store, and enqueues webhook notifications. The persisted cursor
// makes the mirror resume where it stopped.
type EventWatcher struct {
	node         NodeClient
	store        *Store
	queue        *WebhookQueue
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

func NewEventWatcher(node NodeClient, store *Store, queue *WebhookQueue, logger *slog.Logger, pollInterval time.Duration, batchSize int) *EventWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		nowFn:        time.Now,
	}
}

// Run polls until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.queue == nil {
		return
	}
	interval := w.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	after, err := w.store.LastEventSequence(ctx)
	if err != nil {
		w.logger.Error("load event cursor", "err", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			after = w.poll(ctx, after)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, after uint64) uint64 {
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	events, _, err := w.node.ListEvents(ctx, after, batch)
	if err != nil {
		w.logger.Warn("poll node events", "after", after, "err", err)
		return after
	}
	if len(events) == 0 {
		return after
	}
	lastSeq := after
	for _, evt := range events {
		if evt.Sequence <= lastSeq {
			continue
		}
		w.handleEvent(ctx, evt)
		lastSeq = evt.Sequence
	}
	if err := w.store.UpdateEventSequence(ctx, lastSeq); err != nil {
		w.logger.Error("persist event cursor", "sequence", lastSeq, "err", err)
	}
	return lastSeq
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt NodeEvent) {
	commitTime := time.Unix(evt.CommitTime, 0).UTC()
	if evt.CommitTime == 0 {
		commitTime = w.nowFn().UTC()
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	escrowID := normalizeHexID(attrs["id"])

	stored := StoredEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		EscrowID:   escrowID,
		Attributes: attrs,
		CommitTime: commitTime,
	}
	if err := w.store.InsertEvent(ctx, stored); err != nil {
		w.logger.Error("mirror event", "sequence", evt.Sequence, "err", err)
		return
	}

	w.queue.Enqueue(WebhookEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		EscrowID:   escrowID,
		Attributes: attrs,
		CreatedAt:  commitTime,
	})
}

func normalizeHexID(raw string) string {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if cleaned == "" {
		return ""
	}
	return "0x" + strings.ToLower(cleaned)
}
