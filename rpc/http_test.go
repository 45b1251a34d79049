package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"swapvault/core"
	"swapvault/core/escrow"
	"swapvault/core/events"
	"swapvault/core/ledger"
	"swapvault/crypto"
	"swapvault/storage"
)

const testAuthToken = "test-rpc-token"

type testEnv struct {
	server       *Server
	node         *core.Node
	authorityKey *crypto.PrivateKey
	makerKey     *crypto.PrivateKey
	takerKey     *crypto.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	authorityKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate authority key: %v", err)
	}
	makerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate maker key: %v", err)
	}
	takerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate taker key: %v", err)
	}

	journal, err := events.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	node := core.NewNode(storage.NewMemDB(), journal, authorityKey.PubKey().Address().Raw())
	t.Cleanup(func() { _ = node.Close() })

	err = node.SeedGenesis(
		[]core.GenesisAsset{{Symbol: "SVT", Name: "Swap Vault Token", Decimals: 18}},
		[]core.GenesisAllocation{{Asset: "SVT", Address: makerKey.PubKey().Address().Raw(), Amount: big.NewInt(10_000)}},
	)
	if err != nil {
		t.Fatalf("seed genesis: %v", err)
	}

	server := NewServer(node, ServerConfig{AuthToken: testAuthToken, WSEnabled: true})
	return &testEnv{
		server:       server,
		node:         node,
		authorityKey: authorityKey,
		makerKey:     makerKey,
		takerKey:     takerKey,
	}
}

type rpcTestResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func rpcBody(t *testing.T, id int, method string, params interface{}) []byte {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      id,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

func (env *testEnv) post(t *testing.T, token string, body []byte) (int, rpcTestResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	var resp rpcTestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

func (env *testEnv) createEscrow(t *testing.T, id int, secret []byte, amount int64) string {
	t.Helper()
	now := time.Now().Unix()
	params := escrow.CreateParams{
		Maker:       env.makerKey.PubKey().Address().Raw(),
		Taker:       env.takerKey.PubKey().Address().Raw(),
		Asset:       "SVT",
		Amount:      big.NewInt(amount),
		Hashlock:    escrow.CommitSecret(secret),
		WindowStart: now - 10,
		WindowEnd:   now + 3600,
	}
	sig, err := crypto.SignDigest(env.makerKey, escrow.CreateDigest(params))
	if err != nil {
		t.Fatalf("sign create digest: %v", err)
	}
	body := rpcBody(t, id, "swap_create", createSwapParams{
		Maker:       env.makerKey.PubKey().Address().String(),
		Taker:       env.takerKey.PubKey().Address().String(),
		Asset:       "SVT",
		Amount:      big.NewInt(amount).String(),
		Hashlock:    formatHash(params.Hashlock),
		WindowStart: params.WindowStart,
		WindowEnd:   params.WindowEnd,
		Signature:   "0x" + hex.EncodeToString(sig),
	})
	status, resp := env.post(t, testAuthToken, body)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("swap_create status=%d error=%+v", status, resp.Error)
	}
	var view escrowView
	if err := json.Unmarshal(resp.Result, &view); err != nil {
		t.Fatalf("decode create result: %v", err)
	}
	if view.Status != "active" {
		t.Fatalf("created escrow status = %q, want active", view.Status)
	}
	return view.ID
}

func TestWriteMethodsRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	body := rpcBody(t, 1, "swap_withdraw", withdrawSwapParams{ID: formatHash([32]byte{1}), Secret: "0x01"})

	status, resp := env.post(t, "", body)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeUnauthorized)
	}

	status, resp = env.post(t, "wrong-token", body)
	if status != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("stale token: status=%d error=%+v", status, resp.Error)
	}
}

func TestSwapLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t)
	secret := []byte("rpc-lifecycle-secret")
	id := env.createEscrow(t, 1, secret, 1_000)

	status, resp := env.post(t, testAuthToken, rpcBody(t, 2, "swap_withdraw", withdrawSwapParams{
		ID:     id,
		Secret: "0x" + hex.EncodeToString(secret),
	}))
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("swap_withdraw status=%d error=%+v", status, resp.Error)
	}
	var view escrowView
	if err := json.Unmarshal(resp.Result, &view); err != nil {
		t.Fatalf("decode withdraw result: %v", err)
	}
	if view.Status != "withdrawn" {
		t.Fatalf("status after withdraw = %q, want withdrawn", view.Status)
	}

	status, resp = env.post(t, "", rpcBody(t, 3, "swap_getStatus", swapIDParams{ID: id}))
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("swap_getStatus status=%d error=%+v", status, resp.Error)
	}
	var statusResult swapStatusResult
	if err := json.Unmarshal(resp.Result, &statusResult); err != nil {
		t.Fatalf("decode status result: %v", err)
	}
	if statusResult.Status != "withdrawn" {
		t.Fatalf("getStatus = %q, want withdrawn", statusResult.Status)
	}

	status, resp = env.post(t, "", rpcBody(t, 4, "token_balance", tokenBalanceParams{
		Address: env.takerKey.PubKey().Address().String(),
		Asset:   "SVT",
	}))
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("token_balance status=%d error=%+v", status, resp.Error)
	}
	var balance tokenBalanceResult
	if err := json.Unmarshal(resp.Result, &balance); err != nil {
		t.Fatalf("decode balance result: %v", err)
	}
	if balance.Balance != "1000" {
		t.Fatalf("taker balance = %s, want 1000", balance.Balance)
	}
}

func TestSwapCreateRejectsForeignSignature(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().Unix()
	params := escrow.CreateParams{
		Maker:       env.makerKey.PubKey().Address().Raw(),
		Taker:       env.takerKey.PubKey().Address().Raw(),
		Asset:       "SVT",
		Amount:      big.NewInt(100),
		Hashlock:    escrow.CommitSecret([]byte("x")),
		WindowStart: now,
		WindowEnd:   now + 600,
	}
	// Signed by the taker, claiming to be the maker.
	sig, err := crypto.SignDigest(env.takerKey, escrow.CreateDigest(params))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	body := rpcBody(t, 1, "swap_create", createSwapParams{
		Maker:       env.makerKey.PubKey().Address().String(),
		Taker:       env.takerKey.PubKey().Address().String(),
		Asset:       "SVT",
		Amount:      "100",
		Hashlock:    formatHash(params.Hashlock),
		WindowStart: params.WindowStart,
		WindowEnd:   params.WindowEnd,
		Signature:   "0x" + hex.EncodeToString(sig),
	})
	status, resp := env.post(t, testAuthToken, body)
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
	if resp.Error == nil || resp.Error.Code != codeSwapUnauthorized {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeSwapUnauthorized)
	}
	if resp.Error.Message != "forbidden" {
		t.Fatalf("message = %q, want forbidden", resp.Error.Message)
	}
}

func TestCancelBeforeExpiryReturnsWindowViolation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createEscrow(t, 1, []byte("early-cancel"), 250)

	var rawID [32]byte
	decoded, err := hex.DecodeString(id[2:])
	if err != nil {
		t.Fatalf("decode id: %v", err)
	}
	copy(rawID[:], decoded)
	sig, err := crypto.SignDigest(env.makerKey, escrow.CancelDigest(rawID))
	if err != nil {
		t.Fatalf("sign cancel: %v", err)
	}
	status, resp := env.post(t, testAuthToken, rpcBody(t, 2, "swap_cancel", cancelSwapParams{
		ID:        id,
		Caller:    env.makerKey.PubKey().Address().String(),
		Signature: "0x" + hex.EncodeToString(sig),
	}))
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
	if resp.Error == nil || resp.Error.Code != codeSwapWindow {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeSwapWindow)
	}
}

func TestUnknownEscrowReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)
	status, resp := env.post(t, "", rpcBody(t, 1, "swap_get", swapIDParams{ID: formatHash([32]byte{0xEE})}))
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if resp.Error == nil || resp.Error.Code != codeSwapNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeSwapNotFound)
	}
	if resp.Error.Message != "not_found" {
		t.Fatalf("message = %q, want not_found", resp.Error.Message)
	}
}

func TestDuplicatePayloadRejected(t *testing.T) {
	env := newTestEnv(t)
	body := rpcBody(t, 7, "swap_withdraw", withdrawSwapParams{ID: formatHash([32]byte{9}), Secret: "0x0102"})

	status, resp := env.post(t, testAuthToken, body)
	if status != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeSwapNotFound {
		t.Fatalf("first submission: status=%d error=%+v", status, resp.Error)
	}
	status, resp = env.post(t, testAuthToken, body)
	if status != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", status)
	}
	if resp.Error == nil || resp.Error.Code != codeDuplicate {
		t.Fatalf("replay error = %+v, want code %d", resp.Error, codeDuplicate)
	}
}

func TestRateLimitThrottlesWrites(t *testing.T) {
	env := newTestEnv(t)
	var last rpcTestResponse
	var lastStatus int
	for i := 0; i <= maxWritesPerWindow; i++ {
		body := rpcBody(t, 100+i, "swap_withdraw", withdrawSwapParams{ID: formatHash([32]byte{byte(i + 1)}), Secret: "0x01"})
		lastStatus, last = env.post(t, testAuthToken, body)
	}
	if lastStatus != http.StatusTooManyRequests {
		t.Fatalf("status after %d writes = %d, want 429", maxWritesPerWindow+1, lastStatus)
	}
	if last.Error == nil || last.Error.Code != codeRateLimited {
		t.Fatalf("error = %+v, want code %d", last.Error, codeRateLimited)
	}
}

func TestMalformedBodyReturnsParseError(t *testing.T) {
	env := newTestEnv(t)
	status, resp := env.post(t, "", []byte("{not json"))
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeParseError)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	env := newTestEnv(t)
	status, resp := env.post(t, "", rpcBody(t, 1, "swap_frobnicate", nil))
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeMethodNotFound)
	}
}

func TestTokenMintOverRPC(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.takerKey.PubKey().Address()
	amount := big.NewInt(5_000)

	sig, err := crypto.SignDigest(env.authorityKey, ledger.MintDigest("SVT", recipient.Raw(), amount))
	if err != nil {
		t.Fatalf("sign mint: %v", err)
	}
	status, resp := env.post(t, testAuthToken, rpcBody(t, 1, "token_mint", tokenMintParams{
		Asset:     "SVT",
		To:        recipient.String(),
		Amount:    amount.String(),
		Signature: "0x" + hex.EncodeToString(sig),
	}))
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("token_mint status=%d error=%+v", status, resp.Error)
	}
	var result tokenMintResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode mint result: %v", err)
	}
	if result.Supply != "15000" {
		t.Fatalf("supply = %s, want 15000", result.Supply)
	}

	// A non-authority signature over the same digest must be rejected.
	badSig, err := crypto.SignDigest(env.makerKey, ledger.MintDigest("SVT", recipient.Raw(), amount))
	if err != nil {
		t.Fatalf("sign with maker key: %v", err)
	}
	status, resp = env.post(t, testAuthToken, rpcBody(t, 2, "token_mint", tokenMintParams{
		Asset:     "SVT",
		To:        recipient.String(),
		Amount:    amount.String(),
		Signature: "0x" + hex.EncodeToString(badSig),
	}))
	if status != http.StatusForbidden || resp.Error == nil || resp.Error.Code != codeSwapUnauthorized {
		t.Fatalf("forged mint: status=%d error=%+v", status, resp.Error)
	}
}

func TestTokenAssetReportsSupply(t *testing.T) {
	env := newTestEnv(t)
	status, resp := env.post(t, "", rpcBody(t, 1, "token_asset", tokenAssetParams{Asset: "svt"}))
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("token_asset status=%d error=%+v", status, resp.Error)
	}
	var result tokenAssetResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode asset result: %v", err)
	}
	if result.Symbol != "SVT" || result.Decimals != 18 {
		t.Fatalf("asset = %+v, want SVT/18", result)
	}
	if result.Supply != "10000" {
		t.Fatalf("supply = %s, want 10000", result.Supply)
	}
}

func TestListEventsPaginates(t *testing.T) {
	env := newTestEnv(t)
	env.createEscrow(t, 1, []byte("evt-a"), 100)
	env.createEscrow(t, 2, []byte("evt-b"), 200)

	status, resp := env.post(t, "", rpcBody(t, 3, "swap_listEvents", listEventsParams{After: 0, Limit: 1}))
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("swap_listEvents status=%d error=%+v", status, resp.Error)
	}
	var result listEventsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(result.Events))
	}
	if result.Events[0].Sequence != 1 || result.Next != 1 {
		t.Fatalf("first page = %+v next=%d", result.Events[0], result.Next)
	}

	status, resp = env.post(t, "", rpcBody(t, 4, "swap_listEvents", listEventsParams{After: result.Next, Limit: 10}))
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("second page status=%d error=%+v", status, resp.Error)
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode second page: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].Sequence != 2 {
		t.Fatalf("second page = %+v", result.Events)
	}
}
