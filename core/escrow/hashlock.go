package escrow

import (
	"crypto/sha256"
	"crypto/subtle"
)

// CommitSecret derives the hashlock commitment for a secret. SHA-256 keeps
// the commitment checkable by counterpart chains that watch the withdrawal
// event for the revealed secret.
func CommitSecret(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

// VerifySecret recomputes the commitment for the candidate secret and
// compares it to the stored one in constant time, so verification leaks no
// timing signal correlated with partial matches.
func VerifySecret(commitment [32]byte, secret []byte) bool {
	digest := sha256.Sum256(secret)
	return subtle.ConstantTimeCompare(digest[:], commitment[:]) == 1
}
