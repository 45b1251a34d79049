package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"swapvault/core/events"
	"swapvault/crypto"
	"swapvault/storage"
)

var (
	ErrAssetNotFound         = errors.New("ledger: asset not registered")
	ErrAssetExists           = errors.New("ledger: asset already registered")
	ErrInvalidSymbol         = errors.New("ledger: invalid asset symbol")
	ErrInvalidAmount         = errors.New("ledger: invalid amount")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrUnauthorized          = errors.New("ledger: unauthorized")
)

const (
	minSymbolLength = 2
	maxSymbolLength = 16
	maxNameLength   = 64
)

// Asset is the registered metadata for a token symbol.
type Asset struct {
	Symbol   string
	Name     string
	Decimals uint8
}

// Ledger keeps multi-asset balances, supplies and allowances in a
// storage.Database. Supply-changing operations (mint, burn, registration)
// are restricted to the configured authority; moves between accounts are
// authorized by the surface that calls them. All amounts are unsigned
// integers in the asset's smallest unit.
type Ledger struct {
	db        storage.Database
	authority [20]byte
	auth      crypto.Authenticator
	emitter   events.Emitter

	mu sync.Mutex
}

// NewLedger constructs a ledger over db whose supply operations answer to
// authority. The production signature authenticator and a no-op emitter are
// installed; callers override them via the setters.
func NewLedger(db storage.Database, authority [20]byte) *Ledger {
	return &Ledger{
		db:        db,
		authority: authority,
		auth:      crypto.NewSignatureAuthenticator(),
		emitter:   events.NoopEmitter{},
	}
}

// Authority returns the address allowed to register assets and change supply.
func (l *Ledger) Authority() [20]byte { return l.authority }

// SetAuthenticator configures the principal authenticator. Passing nil
// restores the signature authenticator.
func (l *Ledger) SetAuthenticator(auth crypto.Authenticator) {
	if auth == nil {
		l.auth = crypto.NewSignatureAuthenticator()
		return
	}
	l.auth = auth
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// NormalizeSymbol canonicalizes an asset symbol: NFKC fold, trim, upper.
// The result must be 2-16 characters from [A-Z0-9] starting with a letter.
func NormalizeSymbol(symbol string) (string, error) {
	folded := norm.NFKC.String(symbol)
	normalized := strings.ToUpper(strings.TrimSpace(folded))
	if len(normalized) < minSymbolLength || len(normalized) > maxSymbolLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	for i := 0; i < len(normalized); i++ {
		c := normalized[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return "", fmt.Errorf("%w: %q must start with a letter", ErrInvalidSymbol, symbol)
			}
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
		}
	}
	return normalized, nil
}

// RegisterAsset records a new asset. Only the ledger authority may register;
// re-registering an existing symbol fails.
func (l *Ledger) RegisterAsset(authority [20]byte, symbol, name string, decimals uint8) error {
	if authority != l.authority {
		return fmt.Errorf("%w: only the ledger authority may register assets", ErrUnauthorized)
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = normalized
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: asset name exceeds %d characters", ErrInvalidSymbol, maxNameLength)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.readAsset(normalized); err == nil {
		return fmt.Errorf("%w: %s", ErrAssetExists, normalized)
	} else if !errors.Is(err, ErrAssetNotFound) {
		return err
	}
	return l.writeAsset(&Asset{Symbol: normalized, Name: name, Decimals: decimals})
}

// Asset returns the registered metadata for symbol.
func (l *Ledger) Asset(symbol string) (*Asset, error) {
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return l.readAsset(normalized)
}

// BalanceOf returns addr's balance of the asset. Unknown assets fail;
// unknown accounts read as zero.
func (l *Ledger) BalanceOf(asset string, addr [20]byte) (*big.Int, error) {
	normalized, err := l.requireAsset(asset)
	if err != nil {
		return nil, err
	}
	return l.readBig(balanceKey(normalized, addr))
}

// Supply returns the total minted supply of the asset.
func (l *Ledger) Supply(asset string) (*big.Int, error) {
	normalized, err := l.requireAsset(asset)
	if err != nil {
		return nil, err
	}
	return l.readBig(supplyKey(normalized))
}

// Mint credits amount of the asset to the recipient and grows supply. The
// principal must carry a valid signature from the ledger authority over
// MintDigest.
func (l *Ledger) Mint(p crypto.Principal, asset string, to [20]byte, amount *big.Int) error {
	normalized, err := l.requireAsset(asset)
	if err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if err := l.authorizeSupplyOp(p, MintDigest(normalized, to, amount)); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.adjust(balanceKey(normalized, to), amount); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", normalized, err)
	}
	if err := l.adjust(supplyKey(normalized), amount); err != nil {
		return fmt.Errorf("ledger: grow %s supply: %w", normalized, err)
	}
	l.emit(events.TokenMinted{Asset: normalized, Recipient: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Burn debits amount of the asset from the holder and shrinks supply.
// Authority-gated like Mint; fails on insufficient balance.
func (l *Ledger) Burn(p crypto.Principal, asset string, from [20]byte, amount *big.Int) error {
	normalized, err := l.requireAsset(asset)
	if err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if err := l.authorizeSupplyOp(p, BurnDigest(normalized, from, amount)); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(balanceKey(normalized, from), amount); err != nil {
		return err
	}
	neg := new(big.Int).Neg(amount)
	if err := l.adjust(supplyKey(normalized), neg); err != nil {
		return fmt.Errorf("ledger: shrink %s supply: %w", normalized, err)
	}
	return nil
}

// Transfer moves amount of the asset between two accounts. A transfer to
// self is valid and leaves balances untouched. Insufficient funds fail
// explicitly; nothing is ever truncated.
func (l *Ledger) Transfer(asset string, from, to [20]byte, amount *big.Int) error {
	normalized, err := l.requireAsset(asset)
	if err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(normalized, from, to, amount)
}

// Approve sets the allowance the spender may pull from the owner's balance.
// A zero amount clears the approval.
func (l *Ledger) Approve(owner, spender [20]byte, asset string, amount *big.Int) error {
	normalized, err := l.requireAsset(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: allowance must be zero or positive", ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeBig(allowanceKey(normalized, owner, spender), amount)
}

// Allowance returns what the spender may still pull from the owner.
func (l *Ledger) Allowance(owner, spender [20]byte, asset string) (*big.Int, error) {
	normalized, err := l.requireAsset(asset)
	if err != nil {
		return nil, err
	}
	return l.readBig(allowanceKey(normalized, owner, spender))
}

// TransferFrom moves amount from the owner to the recipient on the strength
// of a prior approval, burning that much allowance.
func (l *Ledger) TransferFrom(spender, owner, to [20]byte, asset string, amount *big.Int) error {
	normalized, err := l.requireAsset(asset)
	if err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey(normalized, owner, spender)
	allowance, err := l.readBig(key)
	if err != nil {
		return fmt.Errorf("ledger: load allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: approved %s, need %s", ErrInsufficientAllowance, allowance, amount)
	}
	if err := l.move(normalized, owner, to, amount); err != nil {
		return err
	}
	if err := l.writeBig(key, new(big.Int).Sub(allowance, amount)); err != nil {
		return fmt.Errorf("ledger: update allowance: %w", err)
	}
	return nil
}

// Seed credits an allocation outside the authority flow. Boot-time genesis
// seeding only; the RPC surface never reaches it.
func (l *Ledger) Seed(asset string, addr [20]byte, amount *big.Int) error {
	normalized, err := l.requireAsset(asset)
	if err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.adjust(balanceKey(normalized, addr), amount); err != nil {
		return fmt.Errorf("ledger: seed %s: %w", normalized, err)
	}
	if err := l.adjust(supplyKey(normalized), amount); err != nil {
		return fmt.Errorf("ledger: grow %s supply: %w", normalized, err)
	}
	return nil
}

func (l *Ledger) requireAsset(symbol string) (string, error) {
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}
	if _, err := l.readAsset(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

func (l *Ledger) authorizeSupplyOp(p crypto.Principal, digest [32]byte) error {
	if p.Address.Raw() != l.authority {
		return fmt.Errorf("%w: caller is not the ledger authority", ErrUnauthorized)
	}
	if p.Digest != digest {
		return fmt.Errorf("%w: signature covers a different operation", ErrUnauthorized)
	}
	if err := l.auth.Authenticate(p); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// move shifts funds between two balances. Callers hold l.mu.
func (l *Ledger) move(symbol string, from, to [20]byte, amount *big.Int) error {
	if from == to {
		// Still insist the funds exist; a self-transfer must not mint.
		balance, err := l.readBig(balanceKey(symbol, from))
		if err != nil {
			return fmt.Errorf("ledger: load balance: %w", err)
		}
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s, need %s %s", ErrInsufficientBalance, balance, amount, symbol)
		}
		return nil
	}
	if err := l.debit(balanceKey(symbol, from), amount); err != nil {
		return err
	}
	if err := l.adjust(balanceKey(symbol, to), amount); err != nil {
		// Put the debited funds back so a failed credit never destroys value.
		if restoreErr := l.adjust(balanceKey(symbol, from), amount); restoreErr != nil {
			return fmt.Errorf("ledger: credit failed (%v) and refund failed: %w", err, restoreErr)
		}
		return fmt.Errorf("ledger: credit %s: %w", symbol, err)
	}
	return nil
}

// debit subtracts amount from the balance at key, failing if funds are
// short. Callers hold l.mu.
func (l *Ledger) debit(key []byte, amount *big.Int) error {
	balance, err := l.readBig(key)
	if err != nil {
		return fmt.Errorf("ledger: load balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	return l.writeBig(key, new(big.Int).Sub(balance, amount))
}

// adjust adds delta (which may be negative) to the value at key. Callers
// hold l.mu.
func (l *Ledger) adjust(key []byte, delta *big.Int) error {
	current, err := l.readBig(key)
	if err != nil {
		return err
	}
	updated := new(big.Int).Add(current, delta)
	if updated.Sign() < 0 {
		return fmt.Errorf("%w: balance underflow", ErrInsufficientBalance)
	}
	return l.writeBig(key, updated)
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return nil
}

func (l *Ledger) emit(evt events.Event) {
	if l.emitter == nil {
		return
	}
	l.emitter.Emit(evt)
}
