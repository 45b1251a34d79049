package main

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrAssetNotAllowed indicates the asset has no configured policy entry.
var ErrAssetNotAllowed = errors.New("asset not allowed by settlement policy")

// ErrAmountAboveMax indicates a single escrow exceeds the per-escrow cap.
var ErrAmountAboveMax = errors.New("escrow amount exceeds policy maximum")

// ErrDailyCapExceeded indicates the asset's rolling daily cap would be breached.
var ErrDailyCapExceeded = errors.New("daily escrow cap exceeded")

// ErrWindowTooLong indicates the withdraw window exceeds the policy limit.
var ErrWindowTooLong = errors.New("withdraw window exceeds policy maximum")

// AssetPolicy captures settlement limits for a single asset. A loaded policy
// file acts as an allow-list: assets without an entry are rejected outright.
type AssetPolicy struct {
	Asset            string
	MaxAmount        *big.Int
	DailyCap         *big.Int
	MaxWindowSeconds int64
}

// assetPolicyFile mirrors the YAML representation of a policy entry.
type assetPolicyFile struct {
	Asset            string `yaml:"asset"`
	MaxAmount        string `yaml:"max_amount"`
	DailyCap         string `yaml:"daily_cap"`
	MaxWindowSeconds int64  `yaml:"max_window_seconds"`
}

// LoadPolicies reads asset policies from the provided YAML file on disk.
func LoadPolicies(path string) ([]AssetPolicy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policies: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	var entries []assetPolicyFile
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	policies := make([]AssetPolicy, 0, len(entries))
	seen := make(map[string]struct{})
	for _, entry := range entries {
		asset := strings.ToUpper(strings.TrimSpace(entry.Asset))
		if asset == "" {
			return nil, fmt.Errorf("policy asset required")
		}
		if _, exists := seen[asset]; exists {
			return nil, fmt.Errorf("duplicate policy for asset %s", asset)
		}
		maxAmount, err := parsePolicyAmount(entry.MaxAmount)
		if err != nil {
			return nil, fmt.Errorf("asset %s max_amount: %w", asset, err)
		}
		dailyCap, err := parsePolicyAmount(entry.DailyCap)
		if err != nil {
			return nil, fmt.Errorf("asset %s daily_cap: %w", asset, err)
		}
		if entry.MaxWindowSeconds < 0 {
			return nil, fmt.Errorf("asset %s max_window_seconds must be non-negative", asset)
		}
		policies = append(policies, AssetPolicy{
			Asset:            asset,
			MaxAmount:        maxAmount,
			DailyCap:         dailyCap,
			MaxWindowSeconds: entry.MaxWindowSeconds,
		})
		seen[asset] = struct{}{}
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Asset < policies[j].Asset })
	return policies, nil
}

// parsePolicyAmount parses a base-10 integer cap. Empty means unlimited.
func parsePolicyAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}

// PolicyEnforcer coordinates access to the configured settlement limits.
type PolicyEnforcer struct {
	mu       sync.Mutex
	policies map[string]AssetPolicy
	totals   map[string]map[string]*big.Int
}

// NewPolicyEnforcer constructs an enforcer for the supplied policies.
func NewPolicyEnforcer(policies []AssetPolicy) (*PolicyEnforcer, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("at least one policy must be configured")
	}
	registry := make(map[string]AssetPolicy, len(policies))
	totals := make(map[string]map[string]*big.Int, len(policies))
	for _, policy := range policies {
		asset := strings.ToUpper(strings.TrimSpace(policy.Asset))
		if asset == "" {
			return nil, fmt.Errorf("policy asset required")
		}
		if _, exists := registry[asset]; exists {
			return nil, fmt.Errorf("duplicate policy for asset %s", asset)
		}
		stored := AssetPolicy{Asset: asset, MaxWindowSeconds: policy.MaxWindowSeconds}
		if policy.MaxAmount != nil {
			stored.MaxAmount = new(big.Int).Set(policy.MaxAmount)
		}
		if policy.DailyCap != nil {
			stored.DailyCap = new(big.Int).Set(policy.DailyCap)
		}
		registry[asset] = stored
		totals[asset] = make(map[string]*big.Int)
	}
	return &PolicyEnforcer{policies: registry, totals: totals}, nil
}

// Validate ensures a new escrow complies with the configured limits.
func (p *PolicyEnforcer) Validate(asset string, amount *big.Int, windowSeconds int64, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	policy, ok := p.policies[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return ErrAssetNotAllowed
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow amount must be positive")
	}
	if policy.MaxAmount != nil && amount.Cmp(policy.MaxAmount) > 0 {
		return ErrAmountAboveMax
	}
	if policy.MaxWindowSeconds > 0 && windowSeconds > policy.MaxWindowSeconds {
		return ErrWindowTooLong
	}
	if policy.DailyCap != nil {
		dayKey := dayBucket(now)
		spent := p.totals[policy.Asset][dayKey]
		if spent == nil {
			spent = big.NewInt(0)
		}
		remaining := new(big.Int).Sub(policy.DailyCap, spent)
		if remaining.Sign() < 0 {
			remaining = big.NewInt(0)
		}
		if remaining.Cmp(amount) < 0 {
			return ErrDailyCapExceeded
		}
	}
	return nil
}

// Record notes a successfully created escrow against the daily cap.
func (p *PolicyEnforcer) Record(asset string, amount *big.Int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	policy, ok := p.policies[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return
	}
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	dayKey := dayBucket(now)
	if _, ok := p.totals[policy.Asset][dayKey]; !ok {
		p.totals[policy.Asset][dayKey] = big.NewInt(0)
	}
	p.totals[policy.Asset][dayKey].Add(p.totals[policy.Asset][dayKey], amount)
}

// RemainingCap reports the remaining daily allowance for the asset. Assets
// without a cap report nil.
func (p *PolicyEnforcer) RemainingCap(asset string, now time.Time) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToUpper(strings.TrimSpace(asset))
	policy, ok := p.policies[key]
	if !ok || policy.DailyCap == nil {
		return nil
	}
	dayKey := dayBucket(now)
	spent := p.totals[key][dayKey]
	if spent == nil {
		spent = big.NewInt(0)
	}
	remaining := new(big.Int).Sub(policy.DailyCap, spent)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	return remaining
}

// PolicyStatus summarises one asset's limits for the operator API.
type PolicyStatus struct {
	Asset            string `json:"asset"`
	MaxAmount        string `json:"maxAmount,omitempty"`
	DailyCap         string `json:"dailyCap,omitempty"`
	RemainingToday   string `json:"remainingToday,omitempty"`
	MaxWindowSeconds int64  `json:"maxWindowSeconds,omitempty"`
}

// Snapshot reports the configured limits and current consumption per asset.
func (p *PolicyEnforcer) Snapshot(now time.Time) []PolicyStatus {
	p.mu.Lock()
	assets := make([]string, 0, len(p.policies))
	for asset := range p.policies {
		assets = append(assets, asset)
	}
	p.mu.Unlock()
	sort.Strings(assets)

	statuses := make([]PolicyStatus, 0, len(assets))
	for _, asset := range assets {
		p.mu.Lock()
		policy := p.policies[asset]
		p.mu.Unlock()
		status := PolicyStatus{Asset: asset, MaxWindowSeconds: policy.MaxWindowSeconds}
		if policy.MaxAmount != nil {
			status.MaxAmount = policy.MaxAmount.String()
		}
		if policy.DailyCap != nil {
			status.DailyCap = policy.DailyCap.String()
			if remaining := p.RemainingCap(asset, now); remaining != nil {
				status.RemainingToday = remaining.String()
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func dayBucket(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
