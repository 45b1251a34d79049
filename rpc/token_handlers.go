package rpc

import (
	"errors"
	"net/http"

	"swapvault/core/ledger"
	"swapvault/crypto"
)

type tokenBalanceParams struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

type tokenTransferParams struct {
	Asset  string `json:"asset"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type tokenMintParams struct {
	Asset     string `json:"asset"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

type tokenAssetParams struct {
	Asset string `json:"asset"`
}

type tokenBalanceResult struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

type tokenTransferResult struct {
	Asset       string `json:"asset"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	FromBalance string `json:"fromBalance"`
	ToBalance   string `json:"toBalance"`
}

type tokenMintResult struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Supply string `json:"supply"`
}

type tokenAssetResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	Supply   string `json:"supply"`
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params tokenBalanceParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	balance, err := s.node.TokenBalance(params.Asset, addr.Raw())
	if err != nil {
		writeTokenError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenBalanceResult{
		Address: addr.String(),
		Asset:   params.Asset,
		Balance: balance.String(),
	})
}

func (s *Server) handleTokenTransfer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params tokenTransferParams
	if !decodeParams(w, req, &params) {
		return
	}
	from, err := crypto.DecodeAddress(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	to, err := crypto.DecodeAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid to address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	if err := s.node.TokenTransfer(params.Asset, from.Raw(), to.Raw(), amount); err != nil {
		writeTokenError(w, req.ID, err)
		return
	}
	fromBalance, err := s.node.TokenBalance(params.Asset, from.Raw())
	if err != nil {
		writeTokenError(w, req.ID, err)
		return
	}
	toBalance, err := s.node.TokenBalance(params.Asset, to.Raw())
	if err != nil {
		writeTokenError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenTransferResult{
		Asset:       params.Asset,
		From:        from.String(),
		To:          to.String(),
		Amount:      amount.String(),
		FromBalance: fromBalance.String(),
		ToBalance:   toBalance.String(),
	})
}

func (s *Server) handleTokenMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params tokenMintParams
	if !decodeParams(w, req, &params) {
		return
	}
	to, err := crypto.DecodeAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid to address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	signature, err := parseHexBytes(params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", err.Error())
		return
	}
	symbol, err := ledger.NormalizeSymbol(params.Asset)
	if err != nil {
		writeTokenError(w, req.ID, err)
		return
	}

	// Only the ledger authority may sign a mint; bind the principal to it so
	// a valid signature from any other key is rejected.
	authorityRaw := s.node.Ledger().Authority()
	caller := crypto.Principal{
		Address:   crypto.MustNewAddress(authorityRaw[:]),
		Digest:    ledger.MintDigest(symbol, to.Raw(), amount),
		Signature: signature,
	}
	if err := s.node.TokenMint(caller, symbol, to.Raw(), amount); err != nil {
		writeTokenError(w, req.ID, err)
		return
	}
	asset, supply, err := s.node.TokenAsset(symbol)
	if err != nil {
		writeTokenError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenMintResult{
		Asset:  asset.Symbol,
		To:     to.String(),
		Amount: amount.String(),
		Supply: supply.String(),
	})
}

func (s *Server) handleTokenAsset(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params tokenAssetParams
	if !decodeParams(w, req, &params) {
		return
	}
	asset, supply, err := s.node.TokenAsset(params.Asset)
	if err != nil {
		writeTokenError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenAssetResult{
		Symbol:   asset.Symbol,
		Name:     asset.Name,
		Decimals: asset.Decimals,
		Supply:   supply.String(),
	})
}

// writeTokenError translates ledger errors into the shared module error
// block so token and escrow failures look alike on the wire.
func writeTokenError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, ledger.ErrAssetNotFound):
		writeError(w, http.StatusNotFound, id, codeSwapNotFound, "not_found", err.Error())
	case errors.Is(err, ledger.ErrAssetExists):
		writeError(w, http.StatusConflict, id, codeSwapInvalidState, "invalid_state", err.Error())
	case errors.Is(err, ledger.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeSwapUnauthorized, "forbidden", err.Error())
	case errors.Is(err, ledger.ErrInvalidSymbol), errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, id, codeSwapInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientAllowance):
		writeError(w, http.StatusConflict, id, codeSwapTransferFailed, "transfer_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal error", err.Error())
	}
}
