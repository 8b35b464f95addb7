package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Precision scales every price: a price of Precision means one unit of the
// asset is worth one unit of the common denomination.
var Precision = big.NewInt(1_000_000_000)

// Valuer converts an asset amount into a common denomination.
type Valuer interface {
	Value(asset string, amount *big.Int) (*big.Int, error)
}

// Identity values every asset one to one.
type Identity struct{}

func (Identity) Value(_ string, amount *big.Int) (*big.Int, error) {
	if amount == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(amount), nil
}

// Quote is a single price observation.
type Quote struct {
	Asset     string
	Price     *big.Int
	Round     uint64
	UpdatedAt time.Time
}

// StaticTable serves operator-supplied prices.
type StaticTable struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	clock  func() time.Time
}

// NewStaticTable seeds the table with prices scaled by Precision.
func NewStaticTable(prices map[string]*big.Int) *StaticTable {
	t := &StaticTable{quotes: make(map[string]Quote), clock: time.Now}
	for asset, price := range prices {
		_ = t.Set(asset, price)
	}
	return t
}

func normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Set records a new price for asset and bumps its round.
func (t *StaticTable) Set(asset string, price *big.Int) error {
	asset = normalize(asset)
	if asset == "" {
		return fmt.Errorf("oracle: asset required")
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("oracle: price for %s must be positive", asset)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.quotes[asset]
	t.quotes[asset] = Quote{
		Asset:     asset,
		Price:     new(big.Int).Set(price),
		Round:     prev.Round + 1,
		UpdatedAt: t.clock(),
	}
	return nil
}

// Quote returns the latest observation for asset.
func (t *StaticTable) Quote(asset string) (Quote, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.quotes[normalize(asset)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, asset)
	}
	q.Price = new(big.Int).Set(q.Price)
	return q, nil
}

// Value returns amount * price / Precision, rounded down.
func (t *StaticTable) Value(asset string, amount *big.Int) (*big.Int, error) {
	q, err := t.Quote(asset)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return new(big.Int), nil
	}
	out := new(big.Int).Mul(amount, q.Price)
	return out.Quo(out, Precision), nil
}
