package dispatch

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"lendpool/crypto"
)

// Args is the positional argument list of a call. Amounts travel as 32-byte
// big-endian words, integers as 8-byte words, addresses as 20 raw bytes and
// structures as RLP.
type Args [][]byte

func (a Args) arg(i int) ([]byte, error) {
	if i < 0 || i >= len(a) {
		return nil, fmt.Errorf("%w: index %d", ErrMissingArgument, i)
	}
	return a[i], nil
}

// Amount decodes the i-th argument as an unsigned 256-bit integer.
func (a Args) Amount(i int) (*big.Int, error) {
	raw, err := a.arg(i)
	if err != nil {
		return nil, err
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("%w: amount of %d bytes", ErrAmountOverflow, len(raw))
	}
	return new(uint256.Int).SetBytes(raw).ToBig(), nil
}

// Uint64 decodes the i-th argument as an 8-byte big-endian integer.
func (a Args) Uint64(i int) (uint64, error) {
	raw, err := a.arg(i)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: uint64 of %d bytes", ErrInvalidArgument, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Address decodes the i-th argument as an address.
func (a Args) Address(i int) (crypto.Address, error) {
	raw, err := a.arg(i)
	if err != nil {
		return crypto.Address{}, err
	}
	if len(raw) != crypto.AddressLength {
		return crypto.Address{}, fmt.Errorf("%w: address of %d bytes", ErrInvalidArgument, len(raw))
	}
	return crypto.BytesToAddress(raw), nil
}

// Text decodes the i-th argument as UTF-8 text.
func (a Args) Text(i int) (string, error) {
	raw, err := a.arg(i)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Decode RLP-decodes the i-th argument into out.
func (a Args) Decode(i int, out interface{}) error {
	raw, err := a.arg(i)
	if err != nil {
		return err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// Builder assembles an Args list, remembering the first encoding failure.
type Builder struct {
	args Args
	err  error
}

// NewArgs starts an empty argument list.
func NewArgs() *Builder { return &Builder{} }

func (b *Builder) Amount(v *big.Int) *Builder {
	if b.err != nil {
		return b
	}
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 {
		b.err = fmt.Errorf("%w: negative amount", ErrInvalidArgument)
		return b
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		b.err = ErrAmountOverflow
		return b
	}
	buf := word.Bytes32()
	b.args = append(b.args, buf[:])
	return b
}

func (b *Builder) Uint64(v uint64) *Builder {
	if b.err == nil {
		b.args = append(b.args, binary.BigEndian.AppendUint64(nil, v))
	}
	return b
}

func (b *Builder) Address(addr crypto.Address) *Builder {
	if b.err == nil {
		b.args = append(b.args, addr.Bytes())
	}
	return b
}

func (b *Builder) Text(s string) *Builder {
	if b.err == nil {
		b.args = append(b.args, []byte(s))
	}
	return b
}

func (b *Builder) Value(v interface{}) *Builder {
	if b.err != nil {
		return b
	}
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		b.err = fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		return b
	}
	b.args = append(b.args, encoded)
	return b
}

// Args returns the assembled list or the first encoding error.
func (b *Builder) Args() (Args, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.args, nil
}
