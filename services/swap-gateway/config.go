package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// APIKeyConfig is a single partner key + shared secret accepted for HMAC
// request signing.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Config captures runtime configuration for the swap gateway service.
type Config struct {
	ListenAddress  string
	NodeURL        string
	NodeAuthToken  string
	DatabasePath   string
	APIKeys        []APIKeyConfig
	TimestampSkew  time.Duration
	NonceTTL       time.Duration
	NonceCapacity  int
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	RatePerSecond  float64
	RateBurst      int
	PollInterval   time.Duration
	EventBatchSize int
	QueueCapacity  int
	QueueHistory   int
	QueueTTL       time.Duration
	PolicyPath     string
	ExportDir      string
	Environment    string
}

// LoadConfigFromEnv builds a configuration from SWAP_GATEWAY_* variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:  getenvDefault("SWAP_GATEWAY_LISTEN", ":8091"),
		NodeURL:        os.Getenv("SWAP_GATEWAY_NODE_URL"),
		NodeAuthToken:  os.Getenv("SWAP_GATEWAY_NODE_TOKEN"),
		DatabasePath:   getenvDefault("SWAP_GATEWAY_DB_PATH", "swap-gateway.db"),
		TimestampSkew:  2 * time.Minute,
		NonceCapacity:  4096,
		JWTSecret:      os.Getenv("SWAP_GATEWAY_JWT_SECRET"),
		JWTIssuer:      getenvDefault("SWAP_GATEWAY_JWT_ISSUER", "swapvault-identity"),
		JWTAudience:    getenvDefault("SWAP_GATEWAY_JWT_AUDIENCE", "swap-gateway"),
		RatePerSecond:  5,
		RateBurst:      10,
		PollInterval:   5 * time.Second,
		EventBatchSize: 100,
		QueueCapacity:  defaultTaskCapacity,
		QueueHistory:   defaultHistoryCapacity,
		QueueTTL:       defaultQueueTTL,
		PolicyPath:     os.Getenv("SWAP_GATEWAY_POLICY_PATH"),
		ExportDir:      os.Getenv("SWAP_GATEWAY_EXPORT_DIR"),
		Environment:    os.Getenv("SWAPVAULT_ENV"),
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("SWAP_GATEWAY_NODE_URL is required")
	}

	if raw := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_TIMESTAMP_SKEW")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SWAP_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("SWAP_GATEWAY_TIMESTAMP_SKEW must be positive")
		}
		cfg.TimestampSkew = dur
	}

	cfg.NonceTTL = 2 * cfg.TimestampSkew
	if raw := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_NONCE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SWAP_GATEWAY_NONCE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("SWAP_GATEWAY_NONCE_TTL must be positive")
		}
		cfg.NonceTTL = dur
	}
	if cfg.NonceTTL < cfg.TimestampSkew {
		cfg.NonceTTL = cfg.TimestampSkew
	}

	if raw := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_NONCE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return Config{}, fmt.Errorf("SWAP_GATEWAY_NONCE_CAP must be a positive integer")
		}
		cfg.NonceCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_RATE_PER_SECOND")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil || val <= 0 {
			return Config{}, fmt.Errorf("SWAP_GATEWAY_RATE_PER_SECOND must be a positive number")
		}
		cfg.RatePerSecond = val
	}
	if raw := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_RATE_BURST")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return Config{}, fmt.Errorf("SWAP_GATEWAY_RATE_BURST must be a positive integer")
		}
		cfg.RateBurst = val
	}

	if raw := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_POLL_INTERVAL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SWAP_GATEWAY_POLL_INTERVAL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("SWAP_GATEWAY_POLL_INTERVAL must be positive")
		}
		cfg.PollInterval = dur
	}
	if raw := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_EVENT_BATCH")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return Config{}, fmt.Errorf("SWAP_GATEWAY_EVENT_BATCH must be a positive integer")
		}
		cfg.EventBatchSize = val
	}

	if raw := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_QUEUE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return Config{}, fmt.Errorf("SWAP_GATEWAY_QUEUE_CAP must be a positive integer")
		}
		cfg.QueueCapacity = val
	}
	if raw := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_QUEUE_HISTORY")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return Config{}, fmt.Errorf("SWAP_GATEWAY_QUEUE_HISTORY must be a positive integer")
		}
		cfg.QueueHistory = val
	}
	if raw := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_QUEUE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SWAP_GATEWAY_QUEUE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("SWAP_GATEWAY_QUEUE_TTL must be positive")
		}
		cfg.QueueTTL = dur
	}

	// Partner keys arrive as a JSON array: [{"key":"...","secret":"..."}].
	apiJSON := strings.TrimSpace(os.Getenv("SWAP_GATEWAY_API_KEYS"))
	if apiJSON == "" {
		return Config{}, errors.New("SWAP_GATEWAY_API_KEYS is required")
	}
	var entries []APIKeyConfig
	if err := json.Unmarshal([]byte(apiJSON), &entries); err != nil {
		return Config{}, fmt.Errorf("parse SWAP_GATEWAY_API_KEYS: %w", err)
	}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		if key == "" || secret == "" {
			return Config{}, errors.New("api key entries must include key and secret")
		}
		cfg.APIKeys = append(cfg.APIKeys, APIKeyConfig{Key: key, Secret: secret})
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured")
	}

	return cfg, nil
}

func (c Config) secretsByKey() map[string]string {
	out := make(map[string]string, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		out[entry.Key] = entry.Secret
	}
	return out
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
