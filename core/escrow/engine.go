package escrow

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"swapvault/core/events"
	"swapvault/crypto"
)

// TokenTransferrer is the slice of the asset ledger the engine consumes.
// Implementations must fail explicitly on insufficient balance rather than
// truncate, and must support moving funds out of the custody address.
type TokenTransferrer interface {
	Transfer(asset string, from, to [20]byte, amount *big.Int) error
}

// CreateParams are the immutable terms of a new escrow.
type CreateParams struct {
	Maker       [20]byte
	Taker       [20]byte
	Asset       string
	Amount      *big.Int
	Hashlock    [32]byte
	WindowStart int64
	WindowEnd   int64
}

// CustodyAddress is the module account that holds locked funds between
// creation and settlement. Derived, not controlled by any key.
func CustodyAddress() [20]byte {
	hash := ethcrypto.Keccak256([]byte("swapvault/escrow/custody"))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// Engine drives the hashed-timelock escrow lifecycle. Every operation is a
// single read-validate-transfer-write transaction; operations on the same
// escrow ID are serialized by a per-ID mutex, creations by the create lock
// (which also guards the maker nonce). Time is supplied by an injectable
// clock so expiry is always evaluated against the caller's now, never a
// timer.
type Engine struct {
	store   *Store
	ledger  TokenTransferrer
	auth    crypto.Authenticator
	emitter events.Emitter
	nowFn   func() int64

	createMu sync.Mutex
	lockMu   sync.Mutex
	locks    map[[32]byte]*sync.Mutex
}

// NewEngine constructs an engine with the production signature authenticator
// and a no-op emitter. Callers override the collaborators via the setters.
func NewEngine(store *Store, ledger TokenTransferrer) *Engine {
	return &Engine{
		store:   store,
		ledger:  ledger,
		auth:    crypto.NewSignatureAuthenticator(),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   make(map[[32]byte]*sync.Mutex),
	}
}

// SetAuthenticator configures the caller authenticator. Passing nil restores
// the signature authenticator.
func (e *Engine) SetAuthenticator(auth crypto.Authenticator) {
	if auth == nil {
		e.auth = crypto.NewSignatureAuthenticator()
		return
	}
	e.auth = auth
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// lockID serializes operations touching the same escrow.
func (e *Engine) lockID(id [32]byte) func() {
	e.lockMu.Lock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	e.lockMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func validateCreate(p CreateParams) (CreateParams, error) {
	var zeroAddr [20]byte
	if p.Maker == zeroAddr || p.Taker == zeroAddr {
		return p, fmt.Errorf("%w: maker and taker required", ErrInvalidParameters)
	}
	asset, err := NormalizeAsset(p.Asset)
	if err != nil {
		return p, err
	}
	p.Asset = asset
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return p, fmt.Errorf("%w: amount must be positive", ErrInvalidParameters)
	}
	if p.Hashlock == ([32]byte{}) {
		return p, fmt.Errorf("%w: hashlock required", ErrInvalidParameters)
	}
	if p.WindowStart < 0 {
		return p, fmt.Errorf("%w: window start before epoch", ErrInvalidParameters)
	}
	if !(Window{Start: p.WindowStart, End: p.WindowEnd}).Bounded() {
		return p, fmt.Errorf("%w: window start after end", ErrInvalidParameters)
	}
	return p, nil
}

// Create locks the maker's funds behind the hashlock and timelock window and
// returns the new escrow ID. Creation is all or nothing: a failed transfer or
// persistence step unwinds the nonce and any partial effect.
func (e *Engine) Create(caller crypto.Principal, p CreateParams) ([32]byte, error) {
	p, err := validateCreate(p)
	if err != nil {
		return [32]byte{}, err
	}
	if err := e.auth.Authenticate(caller); err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if caller.Address.Raw() != p.Maker {
		return [32]byte{}, fmt.Errorf("%w: caller is not the maker", ErrUnauthorized)
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	id, nonce, err := e.store.NextID(p)
	if err != nil {
		return [32]byte{}, err
	}

	custody := CustodyAddress()
	if err := e.ledger.Transfer(p.Asset, p.Maker, custody, p.Amount); err != nil {
		e.store.RevertNonce(p.Maker, nonce)
		return [32]byte{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	record := &Escrow{
		ID:          id,
		Maker:       p.Maker,
		Taker:       p.Taker,
		Asset:       p.Asset,
		Amount:      new(big.Int).Set(p.Amount),
		Hashlock:    p.Hashlock,
		WindowStart: p.WindowStart,
		WindowEnd:   p.WindowEnd,
		CreatedAt:   e.now(),
		Status:      StatusActive,
	}
	if err := e.store.PutRecord(record); err != nil {
		if refundErr := e.ledger.Transfer(p.Asset, custody, p.Maker, p.Amount); refundErr != nil {
			err = fmt.Errorf("%w (refund failed: %v)", err, refundErr)
		}
		e.store.RevertNonce(p.Maker, nonce)
		return [32]byte{}, err
	}

	e.emit(events.EscrowCreated{
		ID:          id,
		Maker:       p.Maker,
		Taker:       p.Taker,
		Asset:       p.Asset,
		Amount:      new(big.Int).Set(p.Amount),
		WindowStart: p.WindowStart,
		WindowEnd:   p.WindowEnd,
	})
	return id, nil
}

// Withdraw releases the locked funds to the taker in exchange for the secret.
// The revealed secret travels in the emitted event on purpose.
func (e *Engine) Withdraw(id [32]byte, secret []byte) error {
	unlock := e.lockID(id)
	defer unlock()

	record, ok, err := e.store.GetRecord(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if record.Status != StatusActive {
		return fmt.Errorf("%w: escrow is %s", ErrInvalidState, record.Status)
	}
	now := e.now()
	window := record.Window()
	switch {
	case window.BeforeStart(now):
		return fmt.Errorf("%w: window opens at %d", ErrWindowViolation, record.WindowStart)
	case window.Expired(now):
		return fmt.Errorf("%w: window closed at %d", ErrWindowViolation, record.WindowEnd)
	}
	if !VerifySecret(record.Hashlock, secret) {
		return ErrInvalidSecret
	}

	custody := CustodyAddress()
	if err := e.ledger.Transfer(record.Asset, custody, record.Taker, record.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.store.SetStatus(id, StatusWithdrawn); err != nil {
		if refundErr := e.ledger.Transfer(record.Asset, record.Taker, custody, record.Amount); refundErr != nil {
			err = fmt.Errorf("%w (reclaim failed: %v)", err, refundErr)
		}
		return err
	}

	e.emit(events.EscrowWithdrawn{
		ID:     id,
		Taker:  record.Taker,
		Asset:  record.Asset,
		Amount: new(big.Int).Set(record.Amount),
		Secret: append([]byte(nil), secret...),
	})
	return nil
}

// Cancel returns the locked funds to the maker once the window has fully
// elapsed. Only the maker may cancel, and only strictly after WindowEnd.
func (e *Engine) Cancel(caller crypto.Principal, id [32]byte) error {
	unlock := e.lockID(id)
	defer unlock()

	record, ok, err := e.store.GetRecord(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if record.Status != StatusActive {
		return fmt.Errorf("%w: escrow is %s", ErrInvalidState, record.Status)
	}
	if !record.Window().Expired(e.now()) {
		return fmt.Errorf("%w: window open until %d", ErrWindowViolation, record.WindowEnd)
	}
	if err := e.auth.Authenticate(caller); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if caller.Address.Raw() != record.Maker {
		return fmt.Errorf("%w: caller is not the maker", ErrUnauthorized)
	}

	custody := CustodyAddress()
	if err := e.ledger.Transfer(record.Asset, custody, record.Maker, record.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.store.SetStatus(id, StatusCancelled); err != nil {
		if refundErr := e.ledger.Transfer(record.Asset, record.Maker, custody, record.Amount); refundErr != nil {
			err = fmt.Errorf("%w (reclaim failed: %v)", err, refundErr)
		}
		return err
	}

	e.emit(events.EscrowCancelled{
		ID:     id,
		Maker:  record.Maker,
		Asset:  record.Asset,
		Amount: new(big.Int).Set(record.Amount),
	})
	return nil
}

// Get returns a copy of the escrow record for id.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	record, ok, err := e.store.GetRecord(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return record, nil
}

// StatusOf returns just the lifecycle status for id.
func (e *Engine) StatusOf(id [32]byte) (Status, error) {
	status, ok, err := e.store.GetStatus(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	return status, nil
}
