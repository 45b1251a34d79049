package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

func signRequest(req *http.Request, secret string, ts time.Time, nonce string, body []byte) {
	tsHeader := strconv.FormatInt(ts.Unix(), 10)
	req.Header.Set(HeaderAPIKey, "partner-1")
	req.Header.Set(HeaderTimestamp, tsHeader)
	req.Header.Set(HeaderNonce, nonce)
	sig := ComputeSignature(secret, tsHeader, nonce, req.Method, CanonicalRequestPath(req), body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
}

func TestVerifyAcceptsSignedRequest(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	v := NewVerifier(map[string]string{"partner-1": "s3cret"}, Options{Now: func() time.Time { return base }})

	body := []byte(`{"asset":"SVT"}`)
	req := httptest.NewRequest("POST", "/v1/escrows?b=2&a=1", nil)
	signRequest(req, "s3cret", base, "nonce-1", body)

	client, err := v.Verify(req, body)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if client.Key != "partner-1" {
		t.Fatalf("client key = %q, want partner-1", client.Key)
	}
}

func TestVerifyRejectsNonceReplay(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	v := NewVerifier(map[string]string{"partner-1": "s3cret"}, Options{Now: func() time.Time { return base }})

	body := []byte(`{}`)
	req1 := httptest.NewRequest("POST", "/v1/escrows", nil)
	signRequest(req1, "s3cret", base, "nonce-replay", body)
	if _, err := v.Verify(req1, body); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	req2 := httptest.NewRequest("POST", "/v1/escrows", nil)
	req2.Header = req1.Header.Clone()
	if _, err := v.Verify(req2, body); err == nil {
		t.Fatal("expected replayed nonce to be rejected")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	v := NewVerifier(map[string]string{"partner-1": "s3cret"}, Options{
		TimestampSkew: time.Minute,
		Now:           func() time.Time { return base },
	})

	req := httptest.NewRequest("GET", "/v1/escrows/abc", nil)
	signRequest(req, "s3cret", base.Add(-5*time.Minute), "n", nil)

	if _, err := v.Verify(req, nil); err == nil {
		t.Fatal("expected stale timestamp to be rejected")
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	v := NewVerifier(map[string]string{"partner-1": "s3cret"}, Options{Now: func() time.Time { return base }})

	req := httptest.NewRequest("POST", "/v1/escrows", nil)
	signRequest(req, "s3cret", base, "n", []byte(`{"amount":"1"}`))

	if _, err := v.Verify(req, []byte(`{"amount":"100000"}`)); err == nil {
		t.Fatal("expected tampered body to be rejected")
	}
}

func TestVerifyRejectsUnknownAPIKey(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	v := NewVerifier(map[string]string{"other": "s3cret"}, Options{Now: func() time.Time { return base }})

	req := httptest.NewRequest("POST", "/v1/escrows", nil)
	signRequest(req, "s3cret", base, "n", nil)

	if _, err := v.Verify(req, nil); err == nil {
		t.Fatal("expected unknown API key to be rejected")
	}
}

func TestCanonicalQuerySortsParameters(t *testing.T) {
	if got := CanonicalQuery("b=2&a=1&c=3"); got != "a=1&b=2&c=3" {
		t.Fatalf("canonical query = %q", got)
	}
}

func TestOptionsClampToMaximums(t *testing.T) {
	v := NewVerifier(map[string]string{"k": "s"}, Options{
		TimestampSkew: time.Hour,
		NonceTTL:      time.Hour,
		NonceCapacity: 1_000_000,
	})
	if v.skew != maxTimestampSkew {
		t.Fatalf("skew = %s, want clamp to %s", v.skew, maxTimestampSkew)
	}
	if v.nonceTTL != maxNonceWindow {
		t.Fatalf("nonce TTL = %s, want clamp to %s", v.nonceTTL, maxNonceWindow)
	}
	if v.nonceCap != maxNonceCapacity {
		t.Fatalf("nonce capacity = %d, want clamp to %d", v.nonceCap, maxNonceCapacity)
	}
}

func TestNonceCacheCapacityEviction(t *testing.T) {
	cache := newNonceCache(5*time.Minute, 3)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 4; i++ {
		cache.add(fmt.Sprintf("nonce-%d", i), base)
	}
	if got := len(cache.entries); got != 3 {
		t.Fatalf("entries = %d, want capacity bound of 3", got)
	}
	if cache.contains("nonce-0", base) {
		t.Fatal("expected oldest nonce to be evicted")
	}
	if !cache.contains("nonce-3", base) {
		t.Fatal("expected newest nonce to be retained")
	}
}

func TestNonceCacheExpiresOldEntries(t *testing.T) {
	cache := newNonceCache(30*time.Second, 5)
	base := time.Unix(1700000000, 0).UTC()

	cache.add("nonce-a", base)
	if cache.contains("nonce-a", base.Add(time.Minute)) {
		t.Fatal("expected expired nonce to be pruned")
	}
}

type memoryPersistence struct {
	mu      sync.Mutex
	records map[string]NonceRecord
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{records: make(map[string]NonceRecord)}
}

func (m *memoryPersistence) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := record.APIKey + "|" + record.Timestamp + "|" + record.Nonce
	if _, ok := m.records[key]; ok {
		return true, nil
	}
	m.records[key] = record
	return false, nil
}

func (m *memoryPersistence) RecentNonces(_ context.Context, cutoff time.Time) ([]NonceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NonceRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.ObservedAt.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryPersistence) PruneNonces(_ context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rec := range m.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(m.records, key)
		}
	}
	return nil
}

func TestHydrateRestoresPersistedNonces(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	persistence := newMemoryPersistence()

	first := NewVerifier(map[string]string{"partner-1": "s3cret"}, Options{
		Now:         func() time.Time { return base },
		Persistence: persistence,
	})
	req := httptest.NewRequest("POST", "/v1/escrows", nil)
	signRequest(req, "s3cret", base, "durable-nonce", nil)
	if _, err := first.Verify(req, nil); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	// Simulated restart: fresh verifier, same persistence.
	second := NewVerifier(map[string]string{"partner-1": "s3cret"}, Options{
		Now:         func() time.Time { return base.Add(time.Second) },
		Persistence: persistence,
	})
	if err := second.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	replay := httptest.NewRequest("POST", "/v1/escrows", nil)
	replay.Header = req.Header.Clone()
	if _, err := second.Verify(replay, nil); err == nil {
		t.Fatal("expected hydrated nonce to block replay after restart")
	}
}
