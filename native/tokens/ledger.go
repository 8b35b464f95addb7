package tokens

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"lendpool/core/state"
	"lendpool/crypto"
)

var (
	ErrTokenAlreadyIssued  = errors.New("tokens: token already issued")
	ErrTokenNotIssued      = errors.New("tokens: token not issued")
	ErrInvalidIdentifier   = errors.New("tokens: invalid token identifier")
	ErrNotIssuer           = errors.New("tokens: caller is not the token issuer")
	ErrInsufficientBalance = errors.New("tokens: insufficient balance")
	ErrInvalidAmount       = errors.New("tokens: amount must be positive")
	ErrUnknownNonce        = errors.New("tokens: unknown token nonce")
)

// FungibleNonce is the single nonce used by fungible tokens.
const FungibleNonce uint64 = 0

const maxIdentifierLength = 32

var (
	infoPrefix    = []byte("info/")
	balancePrefix = []byte("bal/")
	supplyPrefix  = []byte("supply/")
	attrPrefix    = []byte("attr/")
)

// TokenInfo describes an issued token.
type TokenInfo struct {
	Identifier string
	Name       string
	Issuer     crypto.Address
	Fungible   bool
	LastNonce  uint64
}

// Ledger keeps balances of fungible and semi-fungible tokens. Semi-fungible
// tokens carry opaque attribute bytes per nonce.
type Ledger struct {
	state *state.Manager
}

// NewLedger stores token data in the "tokens" namespace of m.
func NewLedger(m *state.Manager) *Ledger {
	return &Ledger{state: m.Scoped([]byte("tokens"))}
}

func tokenKey(prefix []byte, identifier string, nonce uint64, extra []byte) []byte {
	buf := make([]byte, 0, len(prefix)+len(identifier)+1+8+1+len(extra))
	buf = append(buf, prefix...)
	buf = append(buf, identifier...)
	buf = append(buf, '/')
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	if len(extra) > 0 {
		buf = append(buf, '/')
		buf = append(buf, extra...)
	}
	return buf
}

func validIdentifier(identifier string) bool {
	if identifier == "" || len(identifier) > maxIdentifierLength {
		return false
	}
	return strings.TrimSpace(identifier) == identifier
}

func validAmount(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

// Issue registers a new token. Each identifier can be issued exactly once.
func (l *Ledger) Issue(issuer crypto.Address, identifier, name string, fungible bool) error {
	if !validIdentifier(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	key := append(append([]byte(nil), infoPrefix...), identifier...)
	exists, err := l.state.KVHas(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrTokenAlreadyIssued, identifier)
	}
	return l.state.KVPut(key, &TokenInfo{Identifier: identifier, Name: name, Issuer: issuer, Fungible: fungible})
}

// Info returns the token description.
func (l *Ledger) Info(identifier string) (*TokenInfo, error) {
	key := append(append([]byte(nil), infoPrefix...), identifier...)
	var info TokenInfo
	ok, err := l.state.KVGet(key, &info)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotIssued, identifier)
	}
	return &info, nil
}

// IsIssued reports whether identifier has been issued.
func (l *Ledger) IsIssued(identifier string) (bool, error) {
	return l.state.KVHas(append(append([]byte(nil), infoPrefix...), identifier...))
}

func (l *Ledger) putInfo(info *TokenInfo) error {
	return l.state.KVPut(append(append([]byte(nil), infoPrefix...), info.Identifier...), info)
}

// MintFungible creates amount units of a fungible token for to.
func (l *Ledger) MintFungible(issuer, to crypto.Address, identifier string, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	info, err := l.Info(identifier)
	if err != nil {
		return err
	}
	if info.Issuer != issuer {
		return ErrNotIssuer
	}
	if !info.Fungible {
		return fmt.Errorf("%w: %s is semi-fungible", ErrInvalidIdentifier, identifier)
	}
	return l.credit(to, identifier, FungibleNonce, amount)
}

// Mint creates a new nonce of a semi-fungible token carrying attributes and
// credits amount of it to to. The assigned nonce is returned.
func (l *Ledger) Mint(issuer, to crypto.Address, identifier string, amount *big.Int, attributes []byte) (uint64, error) {
	if !validAmount(amount) {
		return 0, ErrInvalidAmount
	}
	info, err := l.Info(identifier)
	if err != nil {
		return 0, err
	}
	if info.Issuer != issuer {
		return 0, ErrNotIssuer
	}
	if info.Fungible {
		return 0, fmt.Errorf("%w: %s is fungible", ErrInvalidIdentifier, identifier)
	}
	info.LastNonce++
	nonce := info.LastNonce
	if err := l.putInfo(info); err != nil {
		return 0, err
	}
	if err := l.state.KVPut(tokenKey(attrPrefix, identifier, nonce, nil), append([]byte(nil), attributes...)); err != nil {
		return 0, err
	}
	if err := l.credit(to, identifier, nonce, amount); err != nil {
		return 0, err
	}
	return nonce, nil
}

// Burn destroys amount units held by holder. When a semi-fungible nonce's
// supply reaches zero its attributes are removed as well.
func (l *Ledger) Burn(holder crypto.Address, identifier string, nonce uint64, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	if err := l.debit(holder, identifier, nonce, amount); err != nil {
		return err
	}
	supply, err := l.Supply(identifier, nonce)
	if err != nil {
		return err
	}
	supply.Sub(supply, amount)
	if supply.Sign() < 0 {
		return fmt.Errorf("tokens: supply underflow for %s/%d", identifier, nonce)
	}
	supplyKey := tokenKey(supplyPrefix, identifier, nonce, nil)
	if supply.Sign() == 0 {
		if err := l.state.KVDelete(supplyKey); err != nil {
			return err
		}
		if nonce != FungibleNonce {
			return l.state.KVDelete(tokenKey(attrPrefix, identifier, nonce, nil))
		}
		return nil
	}
	return l.state.KVPut(supplyKey, supply)
}

// Transfer moves amount units from one holder to another.
func (l *Ledger) Transfer(from, to crypto.Address, identifier string, nonce uint64, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	if to.IsZero() {
		return fmt.Errorf("tokens: transfer to zero address")
	}
	if err := l.debit(from, identifier, nonce, amount); err != nil {
		return err
	}
	return l.addBalance(to, identifier, nonce, amount)
}

// Balance returns the amount of identifier/nonce held by addr.
func (l *Ledger) Balance(addr crypto.Address, identifier string, nonce uint64) (*big.Int, error) {
	var balance big.Int
	ok, err := l.state.KVGet(tokenKey(balancePrefix, identifier, nonce, addr[:]), &balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return &balance, nil
}

// Supply returns the outstanding amount of identifier/nonce.
func (l *Ledger) Supply(identifier string, nonce uint64) (*big.Int, error) {
	var supply big.Int
	ok, err := l.state.KVGet(tokenKey(supplyPrefix, identifier, nonce, nil), &supply)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return &supply, nil
}

// Attributes returns the attribute bytes stored with a semi-fungible nonce.
func (l *Ledger) Attributes(identifier string, nonce uint64) ([]byte, error) {
	var attrs []byte
	ok, err := l.state.KVGet(tokenKey(attrPrefix, identifier, nonce, nil), &attrs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnknownNonce, identifier, nonce)
	}
	return attrs, nil
}

func (l *Ledger) credit(to crypto.Address, identifier string, nonce uint64, amount *big.Int) error {
	if to.IsZero() {
		return fmt.Errorf("tokens: mint to zero address")
	}
	supply, err := l.Supply(identifier, nonce)
	if err != nil {
		return err
	}
	supply.Add(supply, amount)
	if err := l.state.KVPut(tokenKey(supplyPrefix, identifier, nonce, nil), supply); err != nil {
		return err
	}
	return l.addBalance(to, identifier, nonce, amount)
}

func (l *Ledger) addBalance(addr crypto.Address, identifier string, nonce uint64, amount *big.Int) error {
	balance, err := l.Balance(addr, identifier, nonce)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	return l.state.KVPut(tokenKey(balancePrefix, identifier, nonce, addr[:]), balance)
}

func (l *Ledger) debit(addr crypto.Address, identifier string, nonce uint64, amount *big.Int) error {
	balance, err := l.Balance(addr, identifier, nonce)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s/%d has %s, need %s", ErrInsufficientBalance, identifier, nonce, balance, amount)
	}
	balance.Sub(balance, amount)
	key := tokenKey(balancePrefix, identifier, nonce, addr[:])
	if balance.Sign() == 0 {
		return l.state.KVDelete(key)
	}
	return l.state.KVPut(key, balance)
}
