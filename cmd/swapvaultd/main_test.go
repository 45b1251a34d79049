package main

import (
	"path/filepath"
	"testing"

	"swapvault/cmd/internal/passphrase"
	"swapvault/config"
	"swapvault/crypto"
)

func TestGenesisSpecConversion(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()

	cfg := &config.Config{
		GenesisAssets: []config.GenesisAsset{
			{Symbol: "SVT", Name: "Swap Vault Token", Decimals: 18},
		},
		GenesisAllocations: []config.GenesisAllocation{
			{Asset: "SVT", Address: addr.String(), Amount: "1000000000000000000"},
		},
	}

	assets, allocs, err := genesisFromConfig(cfg)
	if err != nil {
		t.Fatalf("genesisFromConfig: %v", err)
	}
	if len(assets) != 1 || assets[0].Symbol != "SVT" || assets[0].Decimals != 18 {
		t.Fatalf("unexpected assets: %+v", assets)
	}
	if len(allocs) != 1 {
		t.Fatalf("unexpected allocations: %+v", allocs)
	}
	if allocs[0].Address != addr.Raw() {
		t.Fatalf("allocation address mismatch")
	}
	if allocs[0].Amount.String() != "1000000000000000000" {
		t.Fatalf("allocation amount mismatch: %s", allocs[0].Amount)
	}
}

func TestGenesisSpecRejectsBadAllocation(t *testing.T) {
	cfg := &config.Config{
		GenesisAllocations: []config.GenesisAllocation{
			{Asset: "SVT", Address: "not-an-address", Amount: "10"},
		},
	}
	if _, _, err := genesisFromConfig(cfg); err == nil {
		t.Fatal("expected error for malformed allocation address")
	}
}

func TestLoadAuthorityKeyUnprotected(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "authority.keystore")
	if err := crypto.SaveToKeystore(path, key, ""); err != nil {
		t.Fatalf("save keystore: %v", err)
	}

	// The env var is unset, so any fallback prompt would fail; the
	// unprotected keystore must load without one.
	loaded, err := loadAuthorityKey(path, passphrase.NewSource("SWAPVAULTD_TEST_UNSET_PASS"))
	if err != nil {
		t.Fatalf("loadAuthorityKey: %v", err)
	}
	if loaded.PubKey().Address() != key.PubKey().Address() {
		t.Fatal("loaded key does not match saved key")
	}
}

func TestLoadAuthorityKeyWithPassphrase(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "authority.keystore")
	if err := crypto.SaveToKeystore(path, key, "hunter2"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}

	t.Setenv("SWAPVAULTD_TEST_PASS", "hunter2")
	loaded, err := loadAuthorityKey(path, passphrase.NewSource("SWAPVAULTD_TEST_PASS"))
	if err != nil {
		t.Fatalf("loadAuthorityKey: %v", err)
	}
	if loaded.PubKey().Address() != key.PubKey().Address() {
		t.Fatal("loaded key does not match saved key")
	}
}
