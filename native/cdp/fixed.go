package cdp

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Amount is a non-negative fixed-point quantity scaled by Precision. Ledger
// balances, USD values and health factors are all Amounts. Arithmetic is
// checked: results that would not fit in 256 bits fail with ErrOverflow and
// subtractions that would go negative fail with ErrInsufficientBalance.
type Amount struct {
	v uint256.Int
}

// MaxAmount is the largest representable Amount. It doubles as the health
// factor of an account without debt.
var MaxAmount = func() Amount {
	var a Amount
	a.v.SetAllOne()
	return a
}()

// NewAmount wraps a raw integer value without scaling.
func NewAmount(raw uint64) Amount {
	var a Amount
	a.v.SetUint64(raw)
	return a
}

// Units returns whole * Precision, i.e. the Amount representing whole units.
func Units(whole uint64) Amount {
	var a Amount
	a.v.Mul(uint256.NewInt(whole), &Precision.v)
	return a
}

// ParseAmount decodes a base-10 raw integer string.
func ParseAmount(s string) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, trimmed, err)
	}
	return Amount{v: *v}, nil
}

// MustAmount is ParseAmount for constants; it panics on malformed input.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromBig converts a big integer, rejecting negative or oversized values.
func AmountFromBig(b *big.Int) (Amount, error) {
	if b == nil || b.Sign() < 0 {
		return Amount{}, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, ErrOverflow
	}
	return Amount{v: *v}, nil
}

func (a Amount) IsZero() bool { return a.v.IsZero() }

func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }

func (a Amount) Gt(b Amount) bool { return a.v.Gt(&b.v) }

func (a Amount) Big() *big.Int { return a.v.ToBig() }

func (a Amount) String() string { return a.v.Dec() }

// Add returns a + b.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Lt(b) {
		return Amount{}, ErrInsufficientBalance
	}
	var out Amount
	out.v.Sub(&a.v, &b.v)
	return out, nil
}

// MulDiv returns a * m / d, truncating toward zero. The product is checked
// for overflow before dividing.
func (a Amount) MulDiv(m, d Amount) (Amount, error) {
	if d.IsZero() {
		return Amount{}, ErrDivisionByZero
	}
	var out Amount
	if _, overflow := out.v.MulOverflow(&a.v, &m.v); overflow {
		return Amount{}, ErrOverflow
	}
	out.v.Div(&out.v, &d.v)
	return out, nil
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// FeedPrice is a raw quote as produced by an external price source, scaled by
// FeedPrecision. It is signed because upstream feeds are; only positive values
// can be rescaled into an Amount.
type FeedPrice int64

// Rescale converts the quote to Precision.
func (p FeedPrice) Rescale() (Amount, error) {
	if p <= 0 {
		return Amount{}, fmt.Errorf("%w: %d", ErrInvalidPrice, int64(p))
	}
	var out Amount
	out.v.Mul(uint256.NewInt(uint64(p)), &AdditionalFeedPrecision.v)
	return out, nil
}
