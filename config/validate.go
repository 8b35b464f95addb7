package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
)

// ParsedAllocation is a genesis allocation with its fields decoded.
type ParsedAllocation struct {
	Address crypto.Address
	Asset   string
	Amount  *big.Int
}

func parseAllocation(a Allocation) (ParsedAllocation, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(a.Address))
	if err != nil {
		return ParsedAllocation{}, err
	}
	asset := nativecommon.NormalizeAsset(a.Asset)
	if asset == "" {
		return ParsedAllocation{}, fmt.Errorf("asset must be set")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(a.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return ParsedAllocation{}, fmt.Errorf("amount %q must be a positive integer", a.Amount)
	}
	return ParsedAllocation{Address: addr, Asset: asset, Amount: amount}, nil
}

// Allocations decodes the genesis section.
func (c *Config) Allocations() ([]ParsedAllocation, error) {
	out := make([]ParsedAllocation, 0, len(c.Genesis))
	for i, a := range c.Genesis {
		parsed, err := parseAllocation(a)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

// Assets lists every asset named by a pool or an allocation, pools first.
func (c *Config) Assets() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(asset string) {
		asset = nativecommon.NormalizeAsset(asset)
		if asset == "" {
			return
		}
		if _, ok := seen[asset]; ok {
			return
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}
	for _, p := range c.Pools {
		add(p.Asset)
	}
	for _, a := range c.Genesis {
		add(a.Asset)
	}
	return out
}

// Validate checks every section. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendLevelDB:
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage: path required for leveldb"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage: unknown backend %q", c.Storage.Backend))
	}
	if strings.TrimSpace(c.Operator.KeystorePath) == "" {
		errs = append(errs, fmt.Errorf("operator: keystore_path required"))
	}

	if len(c.Pools) == 0 {
		errs = append(errs, fmt.Errorf("pools: at least one pool required"))
	}
	assets := make(map[string]struct{}, len(c.Pools))
	for i, p := range c.Pools {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("pools[%d]: %w", i, err))
			continue
		}
		asset := nativecommon.NormalizeAsset(p.Asset)
		if _, dup := assets[asset]; dup {
			errs = append(errs, fmt.Errorf("pools[%d]: duplicate asset %s", i, asset))
		}
		assets[asset] = struct{}{}
	}
	if _, err := c.Allocations(); err != nil {
		errs = append(errs, err)
	}

	if c.Gateway.RateLimit.RatePerSecond < 0 || c.Gateway.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("gateway: rate_limit must not be negative"))
	}
	if c.Gateway.RateLimit.RatePerSecond > 0 && c.Gateway.RateLimit.Burst == 0 {
		errs = append(errs, fmt.Errorf("gateway: rate_limit burst must be positive when a rate is set"))
	}
	if c.Gateway.Auth.Enabled && strings.TrimSpace(c.Gateway.Auth.SecretEnv) == "" {
		errs = append(errs, fmt.Errorf("gateway: auth secret_env required when auth is enabled"))
	}

	switch c.Indexer.Driver {
	case "":
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Indexer.DSN) == "" {
			errs = append(errs, fmt.Errorf("indexer: dsn required for %s", c.Indexer.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("indexer: unknown driver %q", c.Indexer.Driver))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry: sample_ratio must be within [0,1]"))
	}
	return errors.Join(errs...)
}
