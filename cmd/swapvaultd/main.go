package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"swapvault/cmd/internal/passphrase"
	"swapvault/config"
	"swapvault/core"
	"swapvault/core/events"
	"swapvault/crypto"
	"swapvault/observability/logging"
	"swapvault/rpc"
	"swapvault/storage"
)

const (
	authorityPassEnv = "SWAPVAULT_AUTHORITY_PASS"
	envNameEnv       = "SWAPVAULT_ENV"
)

func main() {
	configPath := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envNameEnv))
	logger := logging.Setup("swapvaultd", env)

	if err := run(logger, *configPath); err != nil {
		logger.Error("daemon exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	journal, err := events.OpenJournal(cfg.JournalPath())
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}

	authorityKey, err := loadAuthorityKey(cfg.AuthorityKeystorePath, passphrase.NewSource(authorityPassEnv))
	if err != nil {
		journal.Close()
		return fmt.Errorf("load authority key: %w", err)
	}
	authority := authorityKey.PubKey().Address()

	node := core.NewNode(db, journal, authority.Raw())
	defer node.Close()

	assets, allocs, err := genesisFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("genesis config: %w", err)
	}
	if err := node.SeedGenesis(assets, allocs); err != nil {
		return fmt.Errorf("seed genesis: %w", err)
	}

	authToken := strings.TrimSpace(os.Getenv(cfg.RPCTokenEnv))
	if authToken == "" {
		logger.Warn("RPC bearer token not set; mutating methods will be rejected",
			slog.String("env", cfg.RPCTokenEnv))
	} else {
		logger.Info("RPC bearer token loaded",
			slog.String("env", cfg.RPCTokenEnv),
			logging.MaskField("token", authToken))
	}

	server := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:        authToken,
		WSEnabled:        cfg.WSEnabled,
		WSAllowedOrigins: cfg.WSAllowedOrigins,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("swapvault node listening",
		slog.String("address", cfg.RPCAddress),
		slog.String("authority", authority.String()),
		slog.Bool("websocket", cfg.WSEnabled))

	if err := server.Serve(ctx, cfg.RPCAddress); err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// loadAuthorityKey tries the unprotected default written by config
// bootstrap first, then falls back to the operator-supplied passphrase.
func loadAuthorityKey(path string, source *passphrase.Source) (*crypto.PrivateKey, error) {
	key, err := crypto.LoadFromKeystore(path, "")
	if err == nil {
		return key, nil
	}
	pass, passErr := source.Get()
	if passErr != nil {
		return nil, fmt.Errorf("%v (%w)", err, passErr)
	}
	return crypto.LoadFromKeystore(path, pass)
}

// genesisFromConfig converts the validated config blocks into the node's genesis
// shapes. Config validation already vetted the fields, so failures here are
// config drift rather than operator error.
func genesisFromConfig(cfg *config.Config) ([]core.GenesisAsset, []core.GenesisAllocation, error) {
	assets := make([]core.GenesisAsset, 0, len(cfg.GenesisAssets))
	for _, asset := range cfg.GenesisAssets {
		assets = append(assets, core.GenesisAsset{
			Symbol:   asset.Symbol,
			Name:     asset.Name,
			Decimals: asset.Decimals,
		})
	}
	allocs := make([]core.GenesisAllocation, 0, len(cfg.GenesisAllocations))
	for _, alloc := range cfg.GenesisAllocations {
		addr, err := crypto.DecodeAddress(alloc.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("allocation address %q: %w", alloc.Address, err)
		}
		amount, err := config.ParseAmount(alloc.Amount)
		if err != nil {
			return nil, nil, fmt.Errorf("allocation amount %q: %w", alloc.Amount, err)
		}
		allocs = append(allocs, core.GenesisAllocation{
			Asset:   alloc.Asset,
			Address: addr.Raw(),
			Amount:  amount,
		})
	}
	return assets, allocs, nil
}
