package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of a hashed-timelock escrow.
// Withdrawn and Cancelled are terminal; nothing transitions out of them.
type Status uint8

const (
	StatusActive Status = iota
	StatusWithdrawn
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusWithdrawn, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusWithdrawn || s == StatusCancelled
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusWithdrawn:
		return "withdrawn"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound          = errors.New("escrow: not found")
	ErrInvalidState      = errors.New("escrow: invalid state")
	ErrWindowViolation   = errors.New("escrow: outside timelock window")
	ErrInvalidSecret     = errors.New("escrow: invalid secret")
	ErrUnauthorized      = errors.New("escrow: unauthorized")
	ErrInvalidParameters = errors.New("escrow: invalid parameters")
	ErrTransferFailed    = errors.New("escrow: transfer failed")
)

// Escrow captures the immutable terms and runtime status of a single
// hashed-timelock escrow. Everything except Status is fixed at creation; the
// record is retained after settlement as an audit trail.
type Escrow struct {
	ID          [32]byte
	Maker       [20]byte
	Taker       [20]byte
	Asset       string
	Amount      *big.Int
	Hashlock    [32]byte
	WindowStart int64
	WindowEnd   int64
	CreatedAt   int64
	Status      Status
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Window returns the escrow's timelock window.
func (e *Escrow) Window() Window {
	return Window{Start: e.WindowStart, End: e.WindowEnd}
}

// NormalizeAsset canonicalises an asset symbol for escrow terms. The ledger
// applies its own stricter normalisation at registration time; this keeps the
// two representations comparable.
func NormalizeAsset(asset string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(asset))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty asset", ErrInvalidParameters)
	}
	return trimmed, nil
}
