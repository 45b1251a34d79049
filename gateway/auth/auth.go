package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request signing headers shared by the gateway and its API clients. A client
// signs timestamp, nonce, method, canonical path and body with its secret;
// the verifier recomputes the same digest.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"

	// MaxSignedBody bounds the body size accepted for signing.
	MaxSignedBody = 1 << 20 // 1 MiB
)

const (
	maxTimestampSkew     = 2 * time.Minute
	maxNonceWindow       = 10 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	prunePersistEvery    = time.Minute
)

// Client identifies an authenticated API caller.
type Client struct {
	Key string
}

// NonceRecord is a persisted nonce observation.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence stores nonce observations durably so replay protection
// survives a restart. Implementations must treat EnsureNonce as
// check-and-set: report true when the record already existed.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Options configures a Verifier. Zero values fall back to the clamped
// defaults; skew and TTL are clamped to their maximums regardless.
type Options struct {
	TimestampSkew time.Duration
	NonceTTL      time.Duration
	NonceCapacity int
	Now           func() time.Time
	Persistence   NoncePersistence
}

// Verifier checks API key + HMAC signatures on gateway requests.
type Verifier struct {
	secrets     map[string]string
	skew        time.Duration
	nonceTTL    time.Duration
	nonceCap    int
	nowFn       func() time.Time
	persistence NoncePersistence

	mu         sync.Mutex
	nonces     map[string]*nonceCache
	lastPruned time.Time
}

// NewVerifier builds a Verifier for the provided key-to-secret map.
func NewVerifier(secrets map[string]string, opts Options) *Verifier {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	skew := opts.TimestampSkew
	if skew <= 0 || skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	ttl := opts.NonceTTL
	if ttl <= 0 || ttl > maxNonceWindow {
		ttl = maxNonceWindow
	}
	capacity := opts.NonceCapacity
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Verifier{
		secrets:     cloned,
		skew:        skew,
		nonceTTL:    ttl,
		nonceCap:    capacity,
		nowFn:       nowFn,
		persistence: opts.Persistence,
		nonces:      make(map[string]*nonceCache),
	}
}

// Verify validates the signing headers against the request and body,
// returning the authenticated client.
func (v *Verifier) Verify(r *http.Request, body []byte) (Client, error) {
	if len(body) > MaxSignedBody {
		return Client{}, fmt.Errorf("request body exceeds %d bytes", MaxSignedBody)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return Client{}, errors.New("missing X-Api-Key header")
	}
	secret, ok := v.secrets[apiKey]
	if !ok || secret == "" {
		return Client{}, errors.New("unknown API key")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return Client{}, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(tsHeader)
	if err != nil {
		return Client{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := v.nowFn().UTC()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew {
		return Client{}, fmt.Errorf("timestamp outside allowed skew of %s", v.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return Client{}, errors.New("missing X-Nonce header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return Client{}, errors.New("missing X-Signature header")
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return Client{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := ComputeSignature(secret, tsHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(providedBytes, expected) {
		return Client{}, errors.New("invalid signature")
	}
	seen, err := v.registerNonce(r.Context(), apiKey, tsHeader, nonce, now)
	if err != nil {
		return Client{}, err
	}
	if seen {
		return Client{}, errors.New("nonce already used")
	}
	return Client{Key: apiKey}, nil
}

// Hydrate warms the in-memory nonce caches from persisted observations.
// Call once at boot before serving traffic.
func (v *Verifier) Hydrate(ctx context.Context) error {
	if v == nil || v.persistence == nil {
		return nil
	}
	cutoff := v.nowFn().UTC().Add(-v.nonceTTL)
	records, err := v.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	for _, rec := range records {
		if rec.APIKey == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		v.cacheFor(rec.APIKey).add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (v *Verifier) registerNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	cache := v.cacheFor(apiKey)
	composite := timestamp + "|" + nonce
	if cache.contains(composite, now) {
		return true, nil
	}
	if v.persistence != nil {
		if err := v.prunePersisted(ctx, now); err != nil {
			return false, err
		}
		existed, err := v.persistence.EnsureNonce(ctx, NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.add(composite, now)
			return true, nil
		}
	}
	cache.add(composite, now)
	return false, nil
}

func (v *Verifier) prunePersisted(ctx context.Context, now time.Time) error {
	v.mu.Lock()
	due := v.lastPruned.IsZero() || now.Sub(v.lastPruned) >= prunePersistEvery
	if due {
		v.lastPruned = now
	}
	v.mu.Unlock()
	if !due {
		return nil
	}
	if err := v.persistence.PruneNonces(ctx, now.Add(-v.nonceTTL)); err != nil {
		return fmt.Errorf("prune persisted nonces: %w", err)
	}
	return nil
}

func (v *Verifier) cacheFor(apiKey string) *nonceCache {
	v.mu.Lock()
	defer v.mu.Unlock()
	cache, ok := v.nonces[apiKey]
	if !ok {
		cache = newNonceCache(v.nonceTTL, v.nonceCap)
		v.nonces[apiKey] = cache
	}
	return cache
}

// CanonicalRequestPath normalises the path and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query parameters so signatures are stable under
// reordering.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature for the request metadata.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// nonceCache is a TTL'd LRU keyed by timestamp|nonce.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *nonceCache) contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.ttl))
	_, exists := c.entries[key]
	return exists
}

func (c *nonceCache) add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.ttl))
	if elem, exists := c.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.capacity > 0 && c.order.Len() >= c.capacity {
		c.evictFront()
	}
	c.entries[key] = c.order.PushBack(nonceEntry{key: key, ts: now})
}

func (c *nonceCache) evictExpired(cutoff time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *nonceCache) evictFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	c.order.Remove(front)
	delete(c.entries, entry.key)
}
