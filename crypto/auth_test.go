package crypto

import (
	"errors"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestSignatureAuthenticatorAcceptsOwner(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256([]byte("swap create request")))

	principal, err := SignedPrincipal(key, digest)
	if err != nil {
		t.Fatalf("signed principal: %v", err)
	}
	if err := NewSignatureAuthenticator().Authenticate(principal); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestSignatureAuthenticatorRejectsImpostor(t *testing.T) {
	owner, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate owner: %v", err)
	}
	impostor, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate impostor: %v", err)
	}
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256([]byte("swap create request")))

	sig, err := SignDigest(impostor, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	principal := Principal{Address: owner.PubKey().Address(), Digest: digest, Signature: sig}
	if err := NewSignatureAuthenticator().Authenticate(principal); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestSignatureAuthenticatorRejectsMalformed(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var digest [32]byte
	principal := Principal{Address: key.PubKey().Address(), Digest: digest, Signature: []byte{0x01, 0x02}}
	if err := NewSignatureAuthenticator().Authenticate(principal); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for short signature, got %v", err)
	}
}

func TestSignatureAuthenticatorRejectsWrongDigest(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256([]byte("original payload")))
	principal, err := SignedPrincipal(key, digest)
	if err != nil {
		t.Fatalf("signed principal: %v", err)
	}
	copy(principal.Digest[:], ethcrypto.Keccak256([]byte("replayed payload")))
	if err := NewSignatureAuthenticator().Authenticate(principal); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for digest swap, got %v", err)
	}
}
