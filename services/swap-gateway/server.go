package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"swapvault/gateway/auth"
	"swapvault/gateway/middleware"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	maxRequestBody       = 1 << 20 // 1 MiB

	nodeWriteTimeout = 15 * time.Second
	nodeReadTimeout  = 10 * time.Second
)

// Operator token scopes.
const (
	ScopeRead     = "swap:read"
	ScopeWebhooks = "swap:webhooks"
	ScopeAdmin    = "swap:admin"
)

var webhookEventTypes = map[string]struct{}{
	"escrow.created":   {},
	"escrow.withdrawn": {},
	"escrow.cancelled": {},
	"token.minted":     {},
	"*":                {},
}

// Server is the REST front-end for escrow settlement. Partner writes are
// HMAC-signed and idempotent; reads and operator endpoints carry scoped
// bearer tokens.
type Server struct {
	verifier *auth.Verifier
	node     NodeClient
	store    *Store
	policy   *PolicyEnforcer
	exporter *SettlementExporter
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewServer(verifier *auth.Verifier, node NodeClient, store *Store, policy *PolicyEnforcer, exporter *SettlementExporter, logger *slog.Logger) *Server {
	if verifier == nil {
		panic("request verifier required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		verifier: verifier,
		node:     node,
		store:    store,
		policy:   policy,
		exporter: exporter,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Handler assembles the chi router with the supplied middleware stack.
func (s *Server) Handler(authn *middleware.Authenticator, limiter *middleware.RateLimiter, obs *middleware.Observability, cors func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	if cors != nil {
		r.Use(cors)
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		writes := limiter.Middleware("escrow-writes")
		reads := limiter.Middleware("reads")

		r.With(obs.Middleware("/v1/escrows"), writes).
			Post("/escrows", s.handleEscrowCreate)
		r.With(obs.Middleware("/v1/escrows/{id}/withdraw"), writes).
			Post("/escrows/{id}/withdraw", s.handleEscrowWithdraw)
		r.With(obs.Middleware("/v1/escrows/{id}/cancel"), writes).
			Post("/escrows/{id}/cancel", s.handleEscrowCancel)

		r.With(obs.Middleware("/v1/escrows/{id}"), reads, authn.Middleware(ScopeRead)).
			Get("/escrows/{id}", s.handleEscrowGet)
		r.With(obs.Middleware("/v1/escrows/{id}/status"), reads, authn.Middleware(ScopeRead)).
			Get("/escrows/{id}/status", s.handleEscrowStatus)
		r.With(obs.Middleware("/v1/events"), reads, authn.Middleware(ScopeRead)).
			Get("/events", s.handleEvents)

		r.With(obs.Middleware("/v1/webhooks"), authn.Middleware(ScopeWebhooks)).
			Post("/webhooks", s.handleWebhookCreate)
		r.With(obs.Middleware("/v1/webhooks"), authn.Middleware(ScopeWebhooks)).
			Get("/webhooks", s.handleWebhookList)
		r.With(obs.Middleware("/v1/webhooks/{id}"), authn.Middleware(ScopeWebhooks)).
			Delete("/webhooks/{id}", s.handleWebhookDelete)
		r.With(obs.Middleware("/v1/webhooks/{id}/attempts"), authn.Middleware(ScopeWebhooks)).
			Get("/webhooks/{id}/attempts", s.handleWebhookAttempts)

		r.With(obs.Middleware("/v1/exports/settlements"), authn.Middleware(ScopeAdmin)).
			Post("/exports/settlements", s.handleExport)
		r.With(obs.Middleware("/v1/policy"), authn.Middleware(ScopeAdmin)).
			Get("/policy", s.handlePolicy)
	})

	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// partnerWrite wraps the HMAC verification, idempotency cache, and audit
// trail shared by all signed write endpoints. fn produces the response for
// a first-time request; successful responses are cached under the caller's
// idempotency key.
func (s *Server) partnerWrite(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, body []byte) (int, []byte)) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	client, err := s.verifier.Verify(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r, "", body, http.StatusUnauthorized, errorBody(err))
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		missing := errors.New("missing Idempotency-Key header")
		s.writeError(w, http.StatusBadRequest, missing)
		s.audit(r, client.Key, body, http.StatusBadRequest, errorBody(missing))
		return
	}
	requestHash := hashRequest(r.Method, auth.CanonicalRequestPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), client.Key, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, cacheErr)
		s.audit(r, client.Key, body, status, errorBody(cacheErr))
		return
	}
	if cached != nil {
		s.writeRaw(w, cached.Status, cached.Body)
		s.audit(r, client.Key, body, cached.Status, cached.Body)
		return
	}

	status, payload := fn(r.Context(), body)
	if status >= 200 && status < 300 {
		if err := s.store.SaveIdempotency(r.Context(), client.Key, key, requestHash, status, payload); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			s.audit(r, client.Key, body, http.StatusInternalServerError, errorBody(err))
			return
		}
	}
	s.writeRaw(w, status, payload)
	s.audit(r, client.Key, body, status, payload)
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) {
	s.partnerWrite(w, r, func(ctx context.Context, body []byte) (int, []byte) {
		var req CreateEscrowRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorBody(fmt.Errorf("invalid JSON payload: %w", err))
		}
		if err := validateEscrowCreate(req); err != nil {
			return http.StatusBadRequest, errorBody(err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
		if !ok {
			return http.StatusBadRequest, errorBody(errors.New("amount must be a base-10 integer"))
		}
		if s.policy != nil {
			window := req.WindowEnd - req.WindowStart
			if err := s.policy.Validate(req.Asset, amount, window, s.nowFn()); err != nil {
				return http.StatusUnprocessableEntity, errorBody(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, nodeWriteTimeout)
		defer cancel()
		esc, err := s.node.CreateEscrow(callCtx, req)
		if err != nil {
			return s.nodeFailure(err)
		}
		if s.policy != nil {
			s.policy.Record(req.Asset, amount, s.nowFn())
		}
		payload, err := json.Marshal(esc)
		if err != nil {
			return http.StatusInternalServerError, errorBody(err)
		}
		return http.StatusCreated, payload
	})
}

func (s *Server) handleEscrowWithdraw(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	s.partnerWrite(w, r, func(ctx context.Context, body []byte) (int, []byte) {
		if id == "" {
			return http.StatusBadRequest, errorBody(errors.New("escrow id required"))
		}
		var req struct {
			Secret string `json:"secret"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorBody(fmt.Errorf("invalid JSON payload: %w", err))
		}
		if strings.TrimSpace(req.Secret) == "" {
			return http.StatusBadRequest, errorBody(errors.New("secret is required"))
		}
		callCtx, cancel := context.WithTimeout(ctx, nodeWriteTimeout)
		defer cancel()
		esc, err := s.node.WithdrawEscrow(callCtx, id, req.Secret)
		if err != nil {
			return s.nodeFailure(err)
		}
		payload, err := json.Marshal(esc)
		if err != nil {
			return http.StatusInternalServerError, errorBody(err)
		}
		return http.StatusOK, payload
	})
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	s.partnerWrite(w, r, func(ctx context.Context, body []byte) (int, []byte) {
		if id == "" {
			return http.StatusBadRequest, errorBody(errors.New("escrow id required"))
		}
		var req struct {
			Caller    string `json:"caller"`
			Signature string `json:"signature"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorBody(fmt.Errorf("invalid JSON payload: %w", err))
		}
		if strings.TrimSpace(req.Caller) == "" {
			return http.StatusBadRequest, errorBody(errors.New("caller is required"))
		}
		if strings.TrimSpace(req.Signature) == "" {
			return http.StatusBadRequest, errorBody(errors.New("signature is required"))
		}
		callCtx, cancel := context.WithTimeout(ctx, nodeWriteTimeout)
		defer cancel()
		esc, err := s.node.CancelEscrow(callCtx, CancelEscrowRequest{ID: id, Caller: req.Caller, Signature: req.Signature})
		if err != nil {
			return s.nodeFailure(err)
		}
		payload, err := json.Marshal(esc)
		if err != nil {
			return http.StatusInternalServerError, errorBody(err)
		}
		return http.StatusOK, payload
	})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("escrow id required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeReadTimeout)
	defer cancel()
	esc, err := s.node.GetEscrow(ctx, id)
	if err != nil {
		status, payload := s.nodeFailure(err)
		s.writeRaw(w, status, payload)
		return
	}
	s.writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("escrow id required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeReadTimeout)
	defer cancel()
	status, err := s.node.GetEscrowStatus(ctx, id)
	if err != nil {
		code, payload := s.nodeFailure(err)
		s.writeRaw(w, code, payload)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleEvents serves the mirrored journal, so partners can page history
// even when the node is briefly unreachable.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseUintParam(r.URL.Query().Get("after"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after parameter: %w", err))
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, convErr := strconv.Atoi(raw)
		if convErr != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > 500 {
		limit = 500
	}
	events, err := s.store.EventsAfter(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	next := after
	for _, evt := range events {
		if evt.Sequence > next {
			next = evt.Sequence
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"next":   next,
	})
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		APIKey    string `json:"apiKey"`
		EventType string `json:"eventType"`
		URL       string `json:"url"`
		Secret    string `json:"secret"`
		RateLimit int    `json:"rateLimit"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	eventType := strings.TrimSpace(req.EventType)
	if _, ok := webhookEventTypes[eventType]; !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported event type %q", req.EventType))
		return
	}
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("url must be a valid http(s) endpoint"))
		return
	}
	if strings.TrimSpace(req.Secret) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("secret is required"))
		return
	}
	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		apiKey = "operator"
	}
	sub := WebhookSubscription{
		ID:        uuid.NewString(),
		APIKey:    apiKey,
		EventType: eventType,
		URL:       target.String(),
		Secret:    req.Secret,
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedAt: s.nowFn().UTC(),
	}
	if err := s.store.InsertWebhook(r.Context(), sub); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": subs})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("webhook id required"))
		return
	}
	if err := s.store.DeactivateWebhook(r.Context(), id); err != nil {
		if errors.Is(err, ErrWebhookNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookAttempts(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("webhook id required"))
		return
	}
	attempts, err := s.store.ListWebhookAttempts(r.Context(), id, 50)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("settlement exports not configured"))
		return
	}
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	day := s.nowFn().UTC().Add(-24 * time.Hour)
	if len(body) > 0 {
		var req struct {
			Date string `json:"date"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
			return
		}
		if trimmed := strings.TrimSpace(req.Date); trimmed != "" {
			parsed, parseErr := time.Parse("2006-01-02", trimmed)
			if parseErr != nil {
				s.writeError(w, http.StatusBadRequest, errors.New("date must be formatted YYYY-MM-DD"))
				return
			}
			day = parsed
		}
	}
	result, err := s.exporter.ExportDay(r.Context(), day)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if s.policy == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no settlement policy configured"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": s.policy.Snapshot(s.nowFn()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	seq, err := s.store.LastEventSequence(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"lastEventSequence": seq,
	})
}

// nodeFailure translates a node RPC error into an HTTP status and body.
func (s *Server) nodeFailure(err error) (int, []byte) {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		payload, marshalErr := json.Marshal(map[string]interface{}{
			"error": nodeErr.Message,
			"code":  nodeErr.Code,
		})
		if marshalErr != nil {
			return http.StatusInternalServerError, errorBody(marshalErr)
		}
		return nodeErr.HTTPStatus(), payload
	}
	return http.StatusBadGateway, errorBody(err)
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeRaw(w, status, data)
}

func (s *Server) writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(payload) > 0 {
		_, _ = w.Write(payload)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	s.writeRaw(w, status, errorBody(err))
}

func (s *Server) audit(r *http.Request, apiKey string, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		ID:             uuid.NewString(),
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAudit(r.Context(), entry); err != nil {
		s.logger.Warn("insert audit entry", "path", entry.Path, "err", err)
	}
}

func validateEscrowCreate(req CreateEscrowRequest) error {
	if strings.TrimSpace(req.Maker) == "" {
		return errors.New("maker is required")
	}
	if strings.TrimSpace(req.Taker) == "" {
		return errors.New("taker is required")
	}
	if strings.TrimSpace(req.Asset) == "" {
		return errors.New("asset is required")
	}
	if strings.TrimSpace(req.Amount) == "" {
		return errors.New("amount is required")
	}
	if strings.TrimSpace(req.Hashlock) == "" {
		return errors.New("hashlock is required")
	}
	if req.WindowStart <= 0 || req.WindowEnd <= 0 {
		return errors.New("window bounds are required")
	}
	if req.WindowEnd < req.WindowStart {
		return errors.New("windowEnd must not precede windowStart")
	}
	if strings.TrimSpace(req.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

func errorBody(err error) []byte {
	payload, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return payload
}

func parseUintParam(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
