package lending

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	nativecommon "lendpool/native/common"
)

const precisionDigits = 9

// Config describes a pool in operator terms. Rates and ratios are decimal
// fractions such as "0.04"; they are converted to fixed point on load.
type Config struct {
	Asset                 string `toml:"asset" yaml:"asset"`
	RBase                 string `toml:"r_base" yaml:"r_base"`
	RSlope1               string `toml:"r_slope1" yaml:"r_slope1"`
	RSlope2               string `toml:"r_slope2" yaml:"r_slope2"`
	UOptimal              string `toml:"u_optimal" yaml:"u_optimal"`
	ReserveFactor         string `toml:"reserve_factor" yaml:"reserve_factor"`
	LiquidationThreshold  string `toml:"liquidation_threshold" yaml:"liquidation_threshold"`
	HealthFactorThreshold string `toml:"health_factor_threshold" yaml:"health_factor_threshold"`
	// Price of one unit in the common denomination, used by the static
	// oracle. Empty means one.
	Price string `toml:"price" yaml:"price"`
}

// ParseFraction converts a non-negative decimal string into fixed point,
// dropping digits beyond the ninth decimal place.
func ParseFraction(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errInvalidParams, s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", errInvalidParams, s)
	}
	return d.Shift(precisionDigits).Truncate(0).BigInt(), nil
}

// FormatFraction renders a fixed-point value as a decimal string.
func FormatFraction(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -precisionDigits).String()
}

func optionalFraction(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return ParseFraction(s)
}

// Params converts the configuration into validated pool parameters.
func (c Config) Params() (PoolParams, error) {
	var p PoolParams
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"r_base", c.RBase, &p.RBase},
		{"r_slope1", c.RSlope1, &p.RSlope1},
		{"r_slope2", c.RSlope2, &p.RSlope2},
		{"u_optimal", c.UOptimal, &p.UOptimal},
		{"reserve_factor", c.ReserveFactor, &p.ReserveFactor},
		{"liquidation_threshold", c.LiquidationThreshold, &p.LiquidationThreshold},
		{"health_factor_threshold", c.HealthFactorThreshold, &p.HealthFactorThreshold},
	}
	for _, f := range fields {
		v, err := optionalFraction(f.raw)
		if err != nil {
			return PoolParams{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return PoolParams{}, err
	}
	return p, nil
}

// PriceValue returns the configured oracle price in fixed point.
func (c Config) PriceValue() (*big.Int, error) {
	if strings.TrimSpace(c.Price) == "" {
		return new(big.Int).Set(Precision), nil
	}
	return ParseFraction(c.Price)
}

// Validate checks the asset identifier and the parameters.
func (c Config) Validate() error {
	if nativecommon.NormalizeAsset(c.Asset) == "" {
		return fmt.Errorf("pool asset must be set")
	}
	if _, err := c.Params(); err != nil {
		return fmt.Errorf("pool %s: %w", c.Asset, err)
	}
	if _, err := c.PriceValue(); err != nil {
		return fmt.Errorf("pool %s price: %w", c.Asset, err)
	}
	return nil
}
