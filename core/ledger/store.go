package ledger

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"swapvault/storage"
)

var (
	assetPrefix     = []byte("ledger/asset/")
	supplyPrefix    = []byte("ledger/supply/")
	balancePrefix   = []byte("ledger/balance/")
	allowancePrefix = []byte("ledger/allowance/")
)

func assetKey(symbol string) []byte {
	buf := make([]byte, 0, len(assetPrefix)+len(symbol))
	buf = append(buf, assetPrefix...)
	buf = append(buf, symbol...)
	return ethcrypto.Keccak256(buf)
}

func supplyKey(symbol string) []byte {
	buf := make([]byte, 0, len(supplyPrefix)+len(symbol))
	buf = append(buf, supplyPrefix...)
	buf = append(buf, symbol...)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(symbol string, addr [20]byte) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(symbol)+1+len(addr))
	buf = append(buf, balancePrefix...)
	buf = append(buf, symbol...)
	buf = append(buf, '/')
	buf = append(buf, addr[:]...)
	return ethcrypto.Keccak256(buf)
}

func allowanceKey(symbol string, owner, spender [20]byte) []byte {
	buf := make([]byte, 0, len(allowancePrefix)+len(symbol)+1+len(owner)+len(spender))
	buf = append(buf, allowancePrefix...)
	buf = append(buf, symbol...)
	buf = append(buf, '/')
	buf = append(buf, owner[:]...)
	buf = append(buf, spender[:]...)
	return ethcrypto.Keccak256(buf)
}

// storedAsset is the RLP wire form of registered asset metadata.
type storedAsset struct {
	Symbol   string
	Name     string
	Decimals uint8
}

func (l *Ledger) readAsset(symbol string) (*Asset, error) {
	raw, err := l.db.Get(assetKey(symbol))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, symbol)
		}
		return nil, fmt.Errorf("ledger: load asset %s: %w", symbol, err)
	}
	var rec storedAsset
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("ledger: decode asset %s: %w", symbol, err)
	}
	return &Asset{Symbol: rec.Symbol, Name: rec.Name, Decimals: rec.Decimals}, nil
}

func (l *Ledger) writeAsset(a *Asset) error {
	raw, err := rlp.EncodeToBytes(&storedAsset{Symbol: a.Symbol, Name: a.Name, Decimals: a.Decimals})
	if err != nil {
		return fmt.Errorf("ledger: encode asset %s: %w", a.Symbol, err)
	}
	if err := l.db.Put(assetKey(a.Symbol), raw); err != nil {
		return fmt.Errorf("ledger: persist asset %s: %w", a.Symbol, err)
	}
	return nil
}

// readBig loads an RLP-encoded big.Int; a missing key reads as zero.
func (l *Ledger) readBig(key []byte) (*big.Int, error) {
	raw, err := l.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	out := new(big.Int)
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// writeBig persists an RLP-encoded big.Int; zero values delete the key so
// the store never accumulates empty entries.
func (l *Ledger) writeBig(key []byte, v *big.Int) error {
	if v == nil || v.Sign() == 0 {
		return l.db.Delete(key)
	}
	raw, err := rlp.EncodeToBytes(v)
	if err != nil {
		return err
	}
	return l.db.Put(key, raw)
}
