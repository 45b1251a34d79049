package crypto

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned when a principal's signature does not recover
// to its claimed address.
var ErrBadSignature = errors.New("crypto: signature does not match principal")

// SignatureLength is the expected recoverable secp256k1 signature size.
const SignatureLength = 65

// Principal identifies the caller of a state transition: the claimed address
// together with a recoverable signature over the operation digest.
type Principal struct {
	Address   Address
	Digest    [32]byte
	Signature []byte
}

// Authenticator asserts that a principal genuinely speaks for its address.
// Engines consult it before applying caller-restricted operations.
type Authenticator interface {
	Authenticate(Principal) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(Principal) error

func (f AuthenticatorFunc) Authenticate(p Principal) error { return f(p) }

// NewSignatureAuthenticator returns the production authenticator: the
// principal's 65-byte signature must recover, over the digest, to the public
// key whose address equals the claimed one.
func NewSignatureAuthenticator() Authenticator {
	return AuthenticatorFunc(func(p Principal) error {
		if len(p.Signature) != SignatureLength {
			return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrBadSignature, SignatureLength, len(p.Signature))
		}
		pubKey, err := ethcrypto.SigToPub(p.Digest[:], p.Signature)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		recovered := ethcrypto.PubkeyToAddress(*pubKey).Bytes()
		addr, err := NewAddress(recovered)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		if addr != p.Address {
			return ErrBadSignature
		}
		return nil
	})
}

// SignDigest produces a recoverable signature over the digest, suitable for a
// Principal.
func SignDigest(key *PrivateKey, digest [32]byte) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return ethcrypto.Sign(digest[:], key.PrivateKey)
}

// SignedPrincipal signs the digest with key and assembles the matching
// principal in one step.
func SignedPrincipal(key *PrivateKey, digest [32]byte) (Principal, error) {
	sig, err := SignDigest(key, digest)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Address: key.PubKey().Address(), Digest: digest, Signature: sig}, nil
}
