package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"swapvault/core/ledger"
	"swapvault/crypto"
)

// DefaultRPCTokenEnv names the environment variable the RPC server reads
// its bearer secret from when the config does not override it.
const DefaultRPCTokenEnv = "SWAPVAULT_RPC_TOKEN"

// GenesisAsset declares a token that exists from the first boot.
type GenesisAsset struct {
	Symbol   string `toml:"Symbol"`
	Name     string `toml:"Name"`
	Decimals uint8  `toml:"Decimals"`
}

// GenesisAllocation credits an address at first boot. Amount is a base-10
// integer in the asset's smallest unit, carried as a string because TOML
// integers top out at 64 bits.
type GenesisAllocation struct {
	Asset   string `toml:"Asset"`
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

type Config struct {
	RPCAddress            string              `toml:"RPCAddress"`
	DataDir               string              `toml:"DataDir"`
	AuthorityKeystorePath string              `toml:"AuthorityKeystorePath"`
	RPCTokenEnv           string              `toml:"RPCTokenEnv"`
	WSEnabled             bool                `toml:"WSEnabled"`
	WSAllowedOrigins      []string            `toml:"WSAllowedOrigins"`
	GenesisAssets         []GenesisAsset      `toml:"GenesisAssets"`
	GenesisAllocations    []GenesisAllocation `toml:"GenesisAllocations"`
}

// JournalPath is where the node keeps its durable event journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.db")
}

// StatePath is where the node keeps its leveldb state database.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state")
}

// Load reads the configuration at path, writing a fresh default file (with
// a generated authority keystore) when none exists. Unknown keys are
// rejected rather than silently dropped.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./swapvault-data"
	}
	if strings.TrimSpace(cfg.RPCTokenEnv) == "" {
		cfg.RPCTokenEnv = DefaultRPCTokenEnv
	}
	if cfg.WSAllowedOrigins == nil {
		cfg.WSAllowedOrigins = []string{}
	}
}

// Validate checks the configuration for internal consistency: symbols
// normalize, allocation addresses parse, amounts are positive integers,
// and every allocation references a declared asset.
func Validate(cfg *Config) error {
	declared := make(map[string]bool, len(cfg.GenesisAssets))
	for i, asset := range cfg.GenesisAssets {
		symbol, err := ledger.NormalizeSymbol(asset.Symbol)
		if err != nil {
			return fmt.Errorf("genesis asset %d: %w", i, err)
		}
		if declared[symbol] {
			return fmt.Errorf("genesis asset %d: %s declared twice", i, symbol)
		}
		declared[symbol] = true
	}
	for i, alloc := range cfg.GenesisAllocations {
		symbol, err := ledger.NormalizeSymbol(alloc.Asset)
		if err != nil {
			return fmt.Errorf("genesis allocation %d: %w", i, err)
		}
		if !declared[symbol] {
			return fmt.Errorf("genesis allocation %d: asset %s not declared", i, symbol)
		}
		if _, err := crypto.DecodeAddress(alloc.Address); err != nil {
			return fmt.Errorf("genesis allocation %d: %w", i, err)
		}
		if _, err := ParseAmount(alloc.Amount); err != nil {
			return fmt.Errorf("genesis allocation %d: %w", i, err)
		}
	}
	return nil
}

// ParseAmount parses a positive base-10 integer amount string.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %s", value)
	}
	return value, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.AuthorityKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.AuthorityKeystorePath != keystorePath {
		cfg.AuthorityKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file plus a
// generated authority keystore next to it.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:            ":8080",
		DataDir:               "./swapvault-data",
		AuthorityKeystorePath: keystorePath,
		RPCTokenEnv:           DefaultRPCTokenEnv,
		WSEnabled:             true,
		WSAllowedOrigins:      []string{},
		GenesisAssets: []GenesisAsset{
			{Symbol: "SVT", Name: "Swap Vault Token", Decimals: 18},
		},
		GenesisAllocations: []GenesisAllocation{
			{Asset: "SVT", Address: key.PubKey().Address().String(), Amount: "1000000000000000000000000"},
		},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "authority.keystore")
}
