package escrow

import (
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Domain-separated signing digests for caller-restricted operations. The
// CLI, the RPC server and the engine's authenticator must agree on these
// byte-for-byte, so the encoding lives here and nowhere else.

const (
	createSigningDomain = "swapvault/escrow/create"
	cancelSigningDomain = "swapvault/escrow/cancel"
)

// CreateDigest is the digest a maker signs to authorize escrow creation.
// Compute it over normalized params (see NormalizeAsset).
func CreateDigest(p CreateParams) [32]byte {
	buf := make([]byte, 0, 192)
	buf = appendDelimited(buf, []byte(createSigningDomain))
	buf = append(buf, p.Maker[:]...)
	buf = append(buf, p.Taker[:]...)
	buf = appendDelimited(buf, []byte(p.Asset))
	buf = appendDelimited(buf, amountBytes(p.Amount))
	buf = append(buf, p.Hashlock[:]...)
	buf = appendUint64(buf, uint64(p.WindowStart))
	buf = appendUint64(buf, uint64(p.WindowEnd))
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}

// CancelDigest is the digest a maker signs to authorize reclaiming an
// expired escrow.
func CancelDigest(id [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = appendDelimited(buf, []byte(cancelSigningDomain))
	buf = append(buf, id[:]...)
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}

func amountBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}
