package events

import (
	"encoding/hex"
	"math/big"

	"swapvault/core/types"
	"swapvault/crypto"
)

const (
	TypeEscrowCreated   = "escrow.created"
	TypeEscrowWithdrawn = "escrow.withdrawn"
	TypeEscrowCancelled = "escrow.cancelled"
	TypeTokenMinted     = "token.minted"
)

type EscrowCreated struct {
	ID          [32]byte
	Maker       [20]byte
	Taker       [20]byte
	Asset       string
	Amount      *big.Int
	WindowStart int64
	WindowEnd   int64
}

func (EscrowCreated) EventType() string { return TypeEscrowCreated }

func (e EscrowCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowCreated,
		Attributes: map[string]string{
			"id":          hex.EncodeToString(e.ID[:]),
			"maker":       crypto.MustNewAddress(e.Maker[:]).String(),
			"taker":       crypto.MustNewAddress(e.Taker[:]).String(),
			"asset":       e.Asset,
			"amount":      formatAmount(e.Amount),
			"windowStart": intToString(e.WindowStart),
			"windowEnd":   intToString(e.WindowEnd),
		},
	}
}

// EscrowWithdrawn reveals the secret on purpose: a counterpart chain
// watching the stream uses it to unlock the mirrored leg.
type EscrowWithdrawn struct {
	ID     [32]byte
	Taker  [20]byte
	Asset  string
	Amount *big.Int
	Secret []byte
}

func (EscrowWithdrawn) EventType() string { return TypeEscrowWithdrawn }

func (e EscrowWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowWithdrawn,
		Attributes: map[string]string{
			"id":     hex.EncodeToString(e.ID[:]),
			"taker":  crypto.MustNewAddress(e.Taker[:]).String(),
			"asset":  e.Asset,
			"amount": formatAmount(e.Amount),
			"secret": hex.EncodeToString(e.Secret),
		},
	}
}

type EscrowCancelled struct {
	ID     [32]byte
	Maker  [20]byte
	Asset  string
	Amount *big.Int
}

func (EscrowCancelled) EventType() string { return TypeEscrowCancelled }

func (e EscrowCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowCancelled,
		Attributes: map[string]string{
			"id":     hex.EncodeToString(e.ID[:]),
			"maker":  crypto.MustNewAddress(e.Maker[:]).String(),
			"asset":  e.Asset,
			"amount": formatAmount(e.Amount),
		},
	}
}

type TokenMinted struct {
	Asset     string
	Recipient [20]byte
	Amount    *big.Int
}

func (TokenMinted) EventType() string { return TypeTokenMinted }

func (e TokenMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenMinted,
		Attributes: map[string]string{
			"asset":     e.Asset,
			"recipient": crypto.MustNewAddress(e.Recipient[:]).String(),
			"amount":    formatAmount(e.Amount),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func intToString(v int64) string {
	return big.NewInt(v).String()
}
