// Package fixedpoint implements the unsigned 256-bit fixed-point arithmetic
// used by both ledgers: wad (10^18) amounts and ray (10^27) rate indices.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrOverflow     = errors.New("fixedpoint: overflow")
	ErrUnderflow    = errors.New("fixedpoint: underflow")
	ErrDivideByZero = errors.New("fixedpoint: division by zero")
)

// WadDecimals and RayDecimals are the scales of wad and ray numbers.
const (
	WadDecimals = 18
	RayDecimals = 27
)

// BpsDenominator is one hundred percent in basis points.
const BpsDenominator = 10_000

// RoundingMode selects how a division remainder is treated.
type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// Wad returns 10^18. Ray returns 10^27. Each call returns a fresh value.
func Wad() *uint256.Int { return uint256.NewInt(1_000_000_000_000_000_000) }
func Ray() *uint256.Int { return new(uint256.Int).Mul(Wad(), uint256.NewInt(1_000_000_000)) }

// Zero returns a fresh zero.
func Zero() *uint256.Int { return new(uint256.Int) }

// Units returns n * 10^18.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Wad())
}

// MulDiv computes x*y/d with a 512-bit intermediate product and the given
// rounding.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundUp && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if _, overflow := q.AddOverflow(q, uint256.NewInt(1)); overflow {
			return nil, ErrOverflow
		}
	}
	return q, nil
}

// MulDivDown is MulDiv rounding toward zero.
func MulDivDown(x, y, d *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, d, RoundDown)
}

// MulDivUp is MulDiv rounding away from zero.
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, d, RoundUp)
}

// DivUp computes ceil(x/d).
func DivUp(x, d *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(1), d, RoundUp)
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x-y or ErrUnderflow when y > x.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// SubClamp returns x-y, or zero when y > x.
func SubClamp(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return Zero()
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// Bps returns x * bps / 10000 with the given rounding.
func Bps(x *uint256.Int, bps uint64, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(bps), uint256.NewInt(BpsDenominator), mode)
}

// RayToWad converts a rad or ray-scaled product down by 10^27.
func RayToWad(x *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(1), Ray(), mode)
}

// ParseUnits parses a human readable decimal such as "100" or "0.01" into
// an integer with the given number of decimals. Excess precision is an
// error rather than being truncated.
func ParseUnits(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("fixedpoint: parse %q: negative amount", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("fixedpoint: parse %q: more than %d decimals", s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", s, ErrOverflow)
	}
	return v, nil
}

// MustParseUnits is ParseUnits that panics on error. For constants and tests.
func MustParseUnits(s string, decimals int32) *uint256.Int {
	v, err := ParseUnits(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseWad parses a decimal string into a wad.
func ParseWad(s string) (*uint256.Int, error) {
	return ParseUnits(s, WadDecimals)
}

// FormatUnits renders x as a decimal string with the given number of
// decimals, trimming trailing zeros.
func FormatUnits(x *uint256.Int, decimals int32) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x.ToBig(), -decimals).String()
}

// FormatWad renders a wad as a decimal string.
func FormatWad(x *uint256.Int) string {
	return FormatUnits(x, WadDecimals)
}
