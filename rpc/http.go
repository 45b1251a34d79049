package rpc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swapvault/core"
	"swapvault/observability"
)

const (
	jsonRPCVersion     = "2.0"
	maxRequestBytes    = 1 << 20 // 1 MiB
	rateLimitWindow    = time.Minute
	maxWritesPerWindow = 30
	payloadSeenTTL     = 15 * time.Minute

	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = time.Minute
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeDuplicate      = -32010
	codeRateLimited    = -32020
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// ServerConfig carries the operator-facing knobs for the JSON-RPC surface.
type ServerConfig struct {
	AuthToken        string
	WSEnabled        bool
	WSAllowedOrigins []string
}

type Server struct {
	node      *core.Node
	authToken string
	wsEnabled bool
	wsOrigins []string

	mu           sync.Mutex
	payloadSeen  map[string]time.Time
	rateLimiters map[string]*rateLimiter
}

func NewServer(node *core.Node, cfg ServerConfig) *Server {
	return &Server{
		node:         node,
		authToken:    strings.TrimSpace(cfg.AuthToken),
		wsEnabled:    cfg.WSEnabled,
		wsOrigins:    append([]string(nil), cfg.WSAllowedOrigins...),
		payloadSeen:  make(map[string]time.Time),
		rateLimiters: make(map[string]*rateLimiter),
	}
}

// Handler assembles the HTTP surface: JSON-RPC on /, the event stream on
// /ws when enabled, and Prometheus metrics on /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	if s.wsEnabled {
		mux.HandleFunc("/ws", s.handleWS)
	}
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve runs the server on addr until ctx is cancelled, then drains
// in-flight requests before returning. A listener failure surfaces as
// the returned error.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Close()
		return err
	}
	return nil
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := s.dispatch(rec, r)
	observability.RPCMetrics().Observe(method, rec.status, time.Since(start))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) string {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return "unknown"
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return "unknown"
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return "unknown"
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return "unknown"
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return "unknown"
	}

	switch req.Method {
	case "swap_create":
		if !s.admitWrite(w, r, req, body) {
			return req.Method
		}
		s.handleSwapCreate(w, r, req)
	case "swap_withdraw":
		if !s.admitWrite(w, r, req, body) {
			return req.Method
		}
		s.handleSwapWithdraw(w, r, req)
	case "swap_cancel":
		if !s.admitWrite(w, r, req, body) {
			return req.Method
		}
		s.handleSwapCancel(w, r, req)
	case "swap_get":
		s.handleSwapGet(w, r, req)
	case "swap_getStatus":
		s.handleSwapGetStatus(w, r, req)
	case "swap_listEvents":
		s.handleSwapListEvents(w, r, req)
	case "token_balance":
		s.handleTokenBalance(w, r, req)
	case "token_transfer":
		if !s.admitWrite(w, r, req, body) {
			return req.Method
		}
		s.handleTokenTransfer(w, r, req)
	case "token_mint":
		if !s.admitWrite(w, r, req, body) {
			return req.Method
		}
		s.handleTokenMint(w, r, req)
	case "token_asset":
		s.handleTokenAsset(w, r, req)
	default:
		// Unknown names stay out of the metric labels to bound cardinality.
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return "unknown"
	}
	return req.Method
}

// admitWrite runs the gauntlet every mutating method passes: bearer auth,
// the per-source rate limit, and the duplicate-payload memory. It writes
// the rejection itself and reports whether the caller may proceed.
func (s *Server) admitWrite(w http.ResponseWriter, r *http.Request, req *RPCRequest, body []byte) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	now := time.Now()
	if !s.allowSource(clientSource(r), now) {
		observability.RPCMetrics().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded for source", nil)
		return false
	}
	digest := sha256.Sum256(body)
	if !s.rememberPayload(hex.EncodeToString(digest[:]), now) {
		observability.RPCMetrics().RecordThrottle("duplicate")
		writeError(w, http.StatusConflict, req.ID, codeDuplicate, "duplicate request payload", nil)
		return false
	}
	return true
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxWritesPerWindow {
		return false
	}
	limiter.count++
	return true
}

func (s *Server) rememberPayload(hash string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, seenAt := range s.payloadSeen {
		if now.Sub(seenAt) > payloadSeenTTL {
			delete(s.payloadSeen, h)
		}
	}
	if _, exists := s.payloadSeen[hash]; exists {
		return false
	}
	s.payloadSeen[hash] = now
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
