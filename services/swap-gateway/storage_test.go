package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swapvault/gateway/auth"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreIdempotencyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cached, err := store.LookupIdempotency(ctx, "partner-1", "idem-1", "hash-a")
	require.NoError(t, err)
	require.Nil(t, cached)

	require.NoError(t, store.SaveIdempotency(ctx, "partner-1", "idem-1", "hash-a", 201, []byte(`{"id":"0xabc"}`)))

	cached, err = store.LookupIdempotency(ctx, "partner-1", "idem-1", "hash-a")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, 201, cached.Status)
	require.JSONEq(t, `{"id":"0xabc"}`, string(cached.Body))

	_, err = store.LookupIdempotency(ctx, "partner-1", "idem-1", "hash-b")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	// Another partner's keyspace is independent.
	cached, err = store.LookupIdempotency(ctx, "partner-2", "idem-1", "hash-b")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestStoreEventMirror(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	seq, err := store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Zero(t, seq)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, store.InsertEvent(ctx, StoredEvent{
			Sequence:   i,
			Type:       "escrow.created",
			EscrowID:   "0xescrow",
			Attributes: map[string]string{"asset": "WSVT", "amount": "50"},
			CommitTime: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, err := store.EventsAfter(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(2), events[0].Sequence)
	require.Equal(t, "WSVT", events[0].Attributes["asset"])

	// Re-inserting a sequence replaces the row instead of duplicating it.
	require.NoError(t, store.InsertEvent(ctx, StoredEvent{
		Sequence:   2,
		Type:       "escrow.withdrawn",
		EscrowID:   "0xescrow",
		Attributes: map[string]string{"secret": "0xfeed"},
		CommitTime: base.Add(2 * time.Minute),
	}))
	events, err = store.EventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "escrow.withdrawn", events[1].Type)

	window, err := store.EventsBetween(ctx, base.Add(90*time.Second), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 1)
	require.Equal(t, uint64(2), window[0].Sequence)

	require.NoError(t, store.UpdateEventSequence(ctx, 3))
	seq, err = store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)

	require.NoError(t, store.UpdateEventSequence(ctx, 5))
	seq, err = store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), seq)
}

func TestStoreWebhookSubscriptions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	specific := WebhookSubscription{
		ID:        "sub-1",
		APIKey:    "partner-1",
		EventType: "escrow.withdrawn",
		URL:       "https://partner.example/hooks",
		Secret:    "hook-secret",
		RateLimit: 30,
		Active:    true,
		CreatedAt: now,
	}
	wildcard := WebhookSubscription{
		ID:        "sub-2",
		APIKey:    "partner-2",
		EventType: "*",
		URL:       "https://other.example/hooks",
		Secret:    "other-secret",
		Active:    true,
		CreatedAt: now.Add(time.Second),
	}
	require.NoError(t, store.InsertWebhook(ctx, specific))
	require.NoError(t, store.InsertWebhook(ctx, wildcard))

	matched, err := store.ListWebhooksForEvent(ctx, "escrow.withdrawn")
	require.NoError(t, err)
	require.Len(t, matched, 2)

	matched, err = store.ListWebhooksForEvent(ctx, "escrow.cancelled")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "sub-2", matched[0].ID)
	// Unset rate limits fall back to the default.
	require.Equal(t, 60, matched[0].RateLimit)

	require.NoError(t, store.DeactivateWebhook(ctx, "sub-1"))
	all, err := store.ListWebhooks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, sub := range all {
		if sub.ID == "sub-1" {
			require.False(t, sub.Active)
		}
	}

	err = store.DeactivateWebhook(ctx, "missing")
	require.ErrorIs(t, err, ErrWebhookNotFound)

	require.NoError(t, store.InsertWebhookAttempt(ctx, WebhookAttempt{
		WebhookID:     "sub-1",
		EventSequence: 7,
		Attempt:       1,
		Status:        "failed",
		Error:         "connection refused",
		NextAttempt:   now.Add(time.Second),
		CreatedAt:     now,
	}))
}

func TestStoreNoncePersistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	record := auth.NonceRecord{
		APIKey:     "partner-1",
		Timestamp:  "1700000000",
		Nonce:      "nonce-1",
		ObservedAt: now,
	}
	existed, err := store.EnsureNonce(ctx, record)
	require.NoError(t, err)
	require.False(t, existed)

	existed, err = store.EnsureNonce(ctx, record)
	require.NoError(t, err)
	require.True(t, existed)

	recent, err := store.RecentNonces(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "nonce-1", recent[0].Nonce)

	require.NoError(t, store.PruneNonces(ctx, now))
	recent, err = store.RecentNonces(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, recent)
}

func TestStoreAuditInsert(t *testing.T) {
	store := newTestStore(t)
	err := store.InsertAudit(context.Background(), AuditEntry{
		ID:             "req-1",
		APIKey:         "partner-1",
		Method:         "POST",
		Path:           "/v1/escrows",
		RequestBody:    []byte(`{"asset":"WSVT"}`),
		ResponseBody:   []byte(`{"id":"0xabc"}`),
		ResponseStatus: 201,
		Timestamp:      time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)
}
