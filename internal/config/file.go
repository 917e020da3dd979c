package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
)

// Network families accepted in the networks section.
const (
	FamilyNeo    = "neo"
	FamilyEVM    = "evm"
	FamilyUTXO   = "utxo"
	FamilySimnet = "simnet"
)

// File is the treasury YAML file.
type File struct {
	Networks []NetworkConfig      `yaml:"networks"`
	Limits   map[string]LimitPair `yaml:"limits"`
	Risk     RiskConfig           `yaml:"risk"`
}

// NetworkConfig configures one network adapter.
type NetworkConfig struct {
	Name             string                 `yaml:"name"`
	Family           string                 `yaml:"family"`
	RPCURL           string                 `yaml:"rpc_url"`
	ChainID          int64                  `yaml:"chain_id"`
	NetworkMagic     uint32                 `yaml:"network_magic"`
	NativeCurrency   string                 `yaml:"native_currency"`
	NativeDecimals   int32                  `yaml:"native_decimals"`
	MinConfirmations uint64                 `yaml:"min_confirmations"`
	DefaultCurrency  string                 `yaml:"default_currency"`
	Tokens           map[string]TokenConfig `yaml:"tokens"`
}

// TokenConfig configures a token on a network.
type TokenConfig struct {
	Contract string `yaml:"contract"`
	Decimals int32  `yaml:"decimals"`
}

// LimitPair holds daily and monthly limits as decimal strings.
type LimitPair struct {
	Daily   string `yaml:"daily"`
	Monthly string `yaml:"monthly"`
}

// RiskConfig tunes the heuristic risk scorer.
type RiskConfig struct {
	Denylist    []string         `yaml:"denylist"`
	AmountTiers []AmountTierRule `yaml:"amount_tiers"`
}

// AmountTierRule scores amounts strictly below Below.
type AmountTierRule struct {
	Below string `yaml:"below"`
	Score int    `yaml:"score"`
}

// LoadFile reads the treasury YAML file. ${VAR} references are expanded from
// the environment.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read treasury config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("failed to parse treasury config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFileOrDefault loads the file or returns the built-in defaults when it
// does not exist.
func LoadFileOrDefault(path string) (*File, error) {
	f, err := LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultFile(), nil
		}
		return nil, err
	}
	return f, nil
}

// DefaultFile returns a single simulated network and the default limit table.
func DefaultFile() *File {
	return &File{
		Networks: []NetworkConfig{{
			Name:             "simnet",
			Family:           FamilySimnet,
			NativeCurrency:   "SIM",
			NativeDecimals:   8,
			MinConfirmations: 1,
			Tokens:           map[string]TokenConfig{"USDT": {Decimals: 6}},
		}},
	}
}

// Validate checks network names and families.
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for i, n := range f.Networks {
		name := strings.TrimSpace(n.Name)
		if name == "" {
			return fmt.Errorf("networks[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("network %s: defined twice", name)
		}
		seen[name] = true

		switch n.Family {
		case FamilyNeo, FamilyEVM:
			if n.RPCURL == "" {
				return fmt.Errorf("network %s: rpc_url is required", name)
			}
		case FamilyUTXO, FamilySimnet:
		default:
			return fmt.Errorf("network %s: unknown family %q", name, n.Family)
		}
	}
	if _, err := f.SpendLimits(); err != nil {
		return err
	}
	if _, err := f.Risk.Tiers(); err != nil {
		return err
	}
	return nil
}

// DefaultSpendLimits is the built-in limit table.
func DefaultSpendLimits() map[treasury.SecurityTier]treasury.SpendLimits {
	pair := func(daily, monthly int64) treasury.SpendLimits {
		return treasury.SpendLimits{Daily: decimal.NewFromInt(daily), Monthly: decimal.NewFromInt(monthly)}
	}
	return map[treasury.SecurityTier]treasury.SpendLimits{
		treasury.TierLow:      pair(10_000, 100_000),
		treasury.TierMedium:   pair(50_000, 500_000),
		treasury.TierHigh:     pair(250_000, 2_500_000),
		treasury.TierCritical: pair(1_000_000, 10_000_000),
	}
}

// SpendLimits merges the configured limits over the defaults.
func (f *File) SpendLimits() (map[treasury.SecurityTier]treasury.SpendLimits, error) {
	out := DefaultSpendLimits()
	for name, pair := range f.Limits {
		tier := treasury.SecurityTier(strings.ToLower(name))
		if !tier.Valid() {
			return nil, fmt.Errorf("limits: unknown security tier %q", name)
		}
		limits := out[tier]
		if pair.Daily != "" {
			d, err := decimal.NewFromString(pair.Daily)
			if err != nil || d.IsNegative() {
				return nil, fmt.Errorf("limits.%s.daily: invalid amount %q", name, pair.Daily)
			}
			limits.Daily = d
		}
		if pair.Monthly != "" {
			m, err := decimal.NewFromString(pair.Monthly)
			if err != nil || m.IsNegative() {
				return nil, fmt.Errorf("limits.%s.monthly: invalid amount %q", name, pair.Monthly)
			}
			limits.Monthly = m
		}
		out[tier] = limits
	}
	return out, nil
}

// AmountTier is a parsed amount tier.
type AmountTier struct {
	Below decimal.Decimal
	Score int
}

// Tiers parses the amount tiers. An empty list means the scorer defaults apply.
func (r RiskConfig) Tiers() ([]AmountTier, error) {
	out := make([]AmountTier, 0, len(r.AmountTiers))
	for i, t := range r.AmountTiers {
		below, err := decimal.NewFromString(t.Below)
		if err != nil {
			return nil, fmt.Errorf("risk.amount_tiers[%d]: invalid amount %q", i, t.Below)
		}
		if t.Score < 0 || t.Score > 100 {
			return nil, fmt.Errorf("risk.amount_tiers[%d]: score must be 0..100", i)
		}
		out = append(out, AmountTier{Below: below, Score: t.Score})
	}
	return out, nil
}
