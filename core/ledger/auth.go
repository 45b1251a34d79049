package ledger

import (
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Domain-separated signing digests for supply operations. Signers and the
// ledger must agree byte-for-byte, so the encoding lives here only.

const (
	mintSigningDomain = "swapvault/ledger/mint"
	burnSigningDomain = "swapvault/ledger/burn"
)

// MintDigest is the digest the authority signs to authorize a mint. Compute
// it over the normalized symbol (see NormalizeSymbol).
func MintDigest(asset string, to [20]byte, amount *big.Int) [32]byte {
	return supplyDigest(mintSigningDomain, asset, to, amount)
}

// BurnDigest is the digest the authority signs to authorize a burn.
func BurnDigest(asset string, from [20]byte, amount *big.Int) [32]byte {
	return supplyDigest(burnSigningDomain, asset, from, amount)
}

func supplyDigest(domain, asset string, account [20]byte, amount *big.Int) [32]byte {
	buf := make([]byte, 0, 128)
	buf = appendDelimited(buf, []byte(domain))
	buf = appendDelimited(buf, []byte(asset))
	buf = append(buf, account[:]...)
	var amountBytes []byte
	if amount != nil {
		amountBytes = amount.Bytes()
	}
	buf = appendDelimited(buf, amountBytes)
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}

func appendDelimited(buf, chunk []byte) []byte {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(chunk)))
	buf = append(buf, length[:]...)
	return append(buf, chunk...)
}
