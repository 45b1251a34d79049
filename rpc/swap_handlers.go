package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"swapvault/core/escrow"
	"swapvault/core/events"
	"swapvault/crypto"
)

// Module-specific error codes surfaced alongside the generic JSON-RPC ones.
// The gateway relies on the code to pick its REST status, so the mapping here
// is part of the wire contract.
const (
	codeSwapNotFound       = -32061
	codeSwapInvalidState   = -32062
	codeSwapWindow         = -32063
	codeSwapInvalidSecret  = -32064
	codeSwapUnauthorized   = -32065
	codeSwapInvalidParams  = -32066
	codeSwapTransferFailed = -32067
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

type createSwapParams struct {
	Maker       string `json:"maker"`
	Taker       string `json:"taker"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Hashlock    string `json:"hashlock"`
	WindowStart int64  `json:"windowStart"`
	WindowEnd   int64  `json:"windowEnd"`
	Signature   string `json:"signature"`
}

type withdrawSwapParams struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

type cancelSwapParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	Signature string `json:"signature"`
}

type swapIDParams struct {
	ID string `json:"id"`
}

type listEventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit"`
}

type escrowView struct {
	ID          string `json:"id"`
	Maker       string `json:"maker"`
	Taker       string `json:"taker"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Hashlock    string `json:"hashlock"`
	WindowStart int64  `json:"windowStart"`
	WindowEnd   int64  `json:"windowEnd"`
	CreatedAt   int64  `json:"createdAt"`
	Status      string `json:"status"`
}

type swapStatusResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type eventView struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	PrevHash   string            `json:"prevHash"`
	Hash       string            `json:"hash"`
	CommitTime int64             `json:"commitTime"`
}

type listEventsResult struct {
	Events []eventView `json:"events"`
	Next   uint64      `json:"next"`
}

func (s *Server) handleSwapCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params createSwapParams
	if !decodeParams(w, req, &params) {
		return
	}
	maker, err := crypto.DecodeAddress(params.Maker)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid maker address", err.Error())
		return
	}
	taker, err := crypto.DecodeAddress(params.Taker)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid taker address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	hashlock, err := parseHash(params.Hashlock)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid hashlock", err.Error())
		return
	}
	signature, err := parseHexBytes(params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", err.Error())
		return
	}
	asset, err := escrow.NormalizeAsset(params.Asset)
	if err != nil {
		writeSwapError(w, req.ID, err)
		return
	}

	createParams := escrow.CreateParams{
		Maker:       maker.Raw(),
		Taker:       taker.Raw(),
		Asset:       asset,
		Amount:      amount,
		Hashlock:    hashlock,
		WindowStart: params.WindowStart,
		WindowEnd:   params.WindowEnd,
	}
	caller := crypto.Principal{
		Address:   maker,
		Digest:    escrow.CreateDigest(createParams),
		Signature: signature,
	}

	id, err := s.node.CreateEscrow(caller, createParams)
	if err != nil {
		writeSwapError(w, req.ID, err)
		return
	}
	record, err := s.node.GetEscrow(id)
	if err != nil {
		writeSwapError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(record))
}

func (s *Server) handleSwapWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params withdrawSwapParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid escrow id", err.Error())
		return
	}
	secret, err := parseHexBytes(params.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid secret", err.Error())
		return
	}
	if err := s.node.WithdrawEscrow(id, secret); err != nil {
		writeSwapError(w, req.ID, err)
		return
	}
	record, err := s.node.GetEscrow(id)
	if err != nil {
		writeSwapError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(record))
}

func (s *Server) handleSwapCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params cancelSwapParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid escrow id", err.Error())
		return
	}
	caller, err := crypto.DecodeAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	signature, err := parseHexBytes(params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", err.Error())
		return
	}
	principal := crypto.Principal{
		Address:   caller,
		Digest:    escrow.CancelDigest(id),
		Signature: signature,
	}
	if err := s.node.CancelEscrow(principal, id); err != nil {
		writeSwapError(w, req.ID, err)
		return
	}
	record, err := s.node.GetEscrow(id)
	if err != nil {
		writeSwapError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(record))
}

func (s *Server) handleSwapGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params swapIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid escrow id", err.Error())
		return
	}
	record, err := s.node.GetEscrow(id)
	if err != nil {
		writeSwapError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(record))
}

func (s *Server) handleSwapGetStatus(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params swapIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid escrow id", err.Error())
		return
	}
	status, err := s.node.EscrowStatus(id)
	if err != nil {
		writeSwapError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, swapStatusResult{ID: formatHash(id), Status: status.String()})
}

func (s *Server) handleSwapListEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params := listEventsParams{Limit: defaultEventLimit}
	if len(req.Params) > 0 {
		if len(req.Params) != 1 {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "swap_listEvents accepts a single params object", nil)
			return
		}
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params payload", err.Error())
			return
		}
	}
	if params.Limit <= 0 {
		params.Limit = defaultEventLimit
	}
	if params.Limit > maxEventLimit {
		params.Limit = maxEventLimit
	}
	entries, err := s.node.ListEvents(params.After, params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to list events", err.Error())
		return
	}
	result := listEventsResult{Events: make([]eventView, 0, len(entries)), Next: params.After}
	for _, entry := range entries {
		result.Events = append(result.Events, formatJournalEntry(entry))
		if entry.Sequence > result.Next {
			result.Next = entry.Sequence
		}
	}
	writeResult(w, req.ID, result)
}

// decodeParams enforces the single-object params convention shared by every
// method and unmarshals into dst. It writes the rejection itself.
func decodeParams(w http.ResponseWriter, req *RPCRequest, dst interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("%s requires a single params object", req.Method), nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params payload", err.Error())
		return false
	}
	return true
}

func parseHash(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if len(trimmed) != 64 {
		return out, fmt.Errorf("expected 32-byte hex value, got %d characters", len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

func parseHexBytes(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, errors.New("empty hex value")
	}
	return hex.DecodeString(trimmed)
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", trimmed)
	}
	return amount, nil
}

func formatHash(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}

func formatEscrow(record *escrow.Escrow) escrowView {
	view := escrowView{
		ID:          formatHash(record.ID),
		Maker:       crypto.MustNewAddress(record.Maker[:]).String(),
		Taker:       crypto.MustNewAddress(record.Taker[:]).String(),
		Asset:       record.Asset,
		Amount:      "0",
		Hashlock:    formatHash(record.Hashlock),
		WindowStart: record.WindowStart,
		WindowEnd:   record.WindowEnd,
		CreatedAt:   record.CreatedAt,
		Status:      record.Status.String(),
	}
	if record.Amount != nil {
		view.Amount = record.Amount.String()
	}
	return view
}

func formatJournalEntry(entry events.JournalEntry) eventView {
	return eventView{
		Sequence:   entry.Sequence,
		Type:       entry.Type,
		Attributes: entry.Attributes,
		PrevHash:   formatHash(entry.PrevHash),
		Hash:       formatHash(entry.Hash),
		CommitTime: entry.CommitTime,
	}
}

// writeSwapError translates escrow engine errors into the module error block.
// Unknown errors fall through as generic server errors so internal detail
// never leaks a success-shaped response.
func writeSwapError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeSwapNotFound, "not_found", err.Error())
	case errors.Is(err, escrow.ErrInvalidState):
		writeError(w, http.StatusConflict, id, codeSwapInvalidState, "invalid_state", err.Error())
	case errors.Is(err, escrow.ErrWindowViolation):
		writeError(w, http.StatusConflict, id, codeSwapWindow, "window_violation", err.Error())
	case errors.Is(err, escrow.ErrInvalidSecret):
		writeError(w, http.StatusConflict, id, codeSwapInvalidSecret, "invalid_secret", err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeSwapUnauthorized, "forbidden", err.Error())
	case errors.Is(err, escrow.ErrInvalidParameters):
		writeError(w, http.StatusBadRequest, id, codeSwapInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, escrow.ErrTransferFailed):
		writeError(w, http.StatusConflict, id, codeSwapTransferFailed, "transfer_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal error", err.Error())
	}
}
