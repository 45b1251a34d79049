package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// EscrowResource mirrors the node's escrow view verbatim so partners see the
// same shape over REST and RPC.
type EscrowResource struct {
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

// EscrowStatus is the compact status projection.
type EscrowStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// NodeEvent mirrors one journal entry from swap_listEvents.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	PrevHash   string            `json:"prevHash"`
	Hash       string            `json:"hash"`
	CommitTime int64             `json:"commitTime"`
}

// CreateEscrowRequest carries the partner-signed create parameters through
// to the node. The signature is the maker's, produced client-side.
type CreateEscrowRequest struct {
	Maker       string `json:"maker"`
	Taker       string `json:"taker"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Hashlock    string `json:"hashlock"`
	WindowStart int64  `json:"windowStart"`
	WindowEnd   int64  `json:"windowEnd"`
	Signature   string `json:"signature"`
}

// CancelEscrowRequest carries a caller-signed cancel through to the node.
type CancelEscrowRequest struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	Signature string `json:"signature"`
}

// NodeClient is the gateway's view of the settlement node.
type NodeClient interface {
	CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*EscrowResource, error)
	WithdrawEscrow(ctx context.Context, id, secret string) (*EscrowResource, error)
	CancelEscrow(ctx context.Context, req CancelEscrowRequest) (*EscrowResource, error)
	GetEscrow(ctx context.Context, id string) (*EscrowResource, error)
	GetEscrowStatus(ctx context.Context, id string) (*EscrowStatus, error)
	ListEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, uint64, error)
}

// NodeError is a JSON-RPC error returned by the node, preserved so handlers
// can translate codes into REST statuses.
type NodeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *NodeError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("node error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// HTTPStatus maps the node's error code onto the REST status the gateway
// should surface.
func (e *NodeError) HTTPStatus() int {
	switch e.Code {
	case -32061:
		return http.StatusNotFound
	case -32062, -32063, -32064, -32067:
		return http.StatusConflict
	case -32065:
		return http.StatusForbidden
	case -32066, -32602, -32700, -32600:
		return http.StatusBadRequest
	case -32010:
		return http.StatusConflict
	case -32020:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// RPCNodeClient implements NodeClient over the node's JSON-RPC endpoint.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorObj    `json:"error"`
}

type rpcErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCNodeClient) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*EscrowResource, error) {
	var result EscrowResource
	if err := c.call(ctx, "swap_create", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) WithdrawEscrow(ctx context.Context, id, secret string) (*EscrowResource, error) {
	params := map[string]string{"id": id, "secret": secret}
	var result EscrowResource
	if err := c.call(ctx, "swap_withdraw", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) CancelEscrow(ctx context.Context, req CancelEscrowRequest) (*EscrowResource, error) {
	var result EscrowResource
	if err := c.call(ctx, "swap_cancel", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetEscrow(ctx context.Context, id string) (*EscrowResource, error) {
	var result EscrowResource
	if err := c.call(ctx, "swap_get", []interface{}{map[string]string{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetEscrowStatus(ctx context.Context, id string) (*EscrowStatus, error) {
	var result EscrowStatus
	if err := c.call(ctx, "swap_getStatus", []interface{}{map[string]string{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ListEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, uint64, error) {
	params := map[string]interface{}{"after": after, "limit": limit}
	var result struct {
		Events []NodeEvent `json:"events"`
		Next   uint64      `json:"next"`
	}
	if err := c.call(ctx, "swap_listEvents", []interface{}{params}, &result); err != nil {
		return nil, 0, err
	}
	return result.Events, result.Next, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	reqBody := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	var decoded jsonRPCResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		nodeErr := &NodeError{Code: decoded.Error.Code, Message: decoded.Error.Message}
		if len(decoded.Error.Data) > 0 {
			var data string
			if err := json.Unmarshal(decoded.Error.Data, &data); err == nil {
				nodeErr.Data = data
			} else {
				nodeErr.Data = string(decoded.Error.Data)
			}
		}
		return nodeErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
