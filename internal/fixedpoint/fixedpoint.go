// Package fixedpoint implements signed fixed-point arithmetic with 18
// fractional digits, the precision used across the engine for collateral
// amounts, position sizes, prices, rates, and funding indexes.
//
// Properties:
//   - Values are immutable; every operation returns a fresh Value.
//   - Multiply and divide round toward negative infinity (floor), so
//     repeated settlement never over-credits the side being paid.
//   - The smallest representable step is one unit, 1e-18.
//
// Monetary values cross the package boundary as shopspring/decimal and are
// converted exactly once; the core math never touches float64.
package fixedpoint

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Digits is the number of fractional digits carried by every Value.
const Digits = 18

// scale is 10^Digits, the denominator of the representation.
var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Digits), nil)

var (
	// Zero is the additive identity. The zero Value is identical.
	Zero = Value{}

	// One is exactly 1.0 (10^18 units).
	One = FromInt64(1)

	// Two is exactly 2.0, the trapezoid divisor.
	Two = FromInt64(2)
)

// Value is a signed fixed-point number with 18 fractional digits.
// The zero Value is ready to use and equals 0.
type Value struct {
	raw *big.Int // units of 1e-18; nil means 0
}

// big returns the backing integer, which callers must not mutate.
func (v Value) big() *big.Int {
	if v.raw == nil {
		return new(big.Int)
	}
	return v.raw
}

// FromInt64 returns n as a Value.
func FromInt64(n int64) Value {
	return Value{raw: new(big.Int).Mul(big.NewInt(n), scale)}
}

// FromUnits returns a Value holding a copy of raw 1e-18 units.
func FromUnits(u *big.Int) Value {
	return Value{raw: new(big.Int).Set(u)}
}

// FromDecimal converts d, flooring anything beyond 18 fractional digits.
func FromDecimal(d decimal.Decimal) Value {
	return Value{raw: d.Shift(Digits).RoundFloor(0).BigInt()}
}

// Parse converts a decimal string such as "1.5" or "-0.003".
func Parse(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, err
	}
	return FromDecimal(d), nil
}

// MustParse is Parse for literals known to be valid; it panics otherwise.
func MustParse(s string) Value {
	v, err := Parse(s)
	if err != nil {
		panic("fixedpoint: " + err.Error())
	}
	return v
}

// Decimal returns the exact decimal representation of v.
func (v Value) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).Set(v.big()), -Digits)
}

// String formats v as a decimal string with trailing zeros trimmed.
func (v Value) String() string {
	return v.Decimal().String()
}

// Units returns a copy of the raw 1e-18 unit count.
func (v Value) Units() *big.Int {
	return new(big.Int).Set(v.big())
}

// AddUnits returns v shifted by n raw units of 1e-18.
func (v Value) AddUnits(n int64) Value {
	return Value{raw: new(big.Int).Add(v.big(), big.NewInt(n))}
}

// Add returns v + o.
func (v Value) Add(o Value) Value {
	return Value{raw: new(big.Int).Add(v.big(), o.big())}
}

// Sub returns v - o.
func (v Value) Sub(o Value) Value {
	return Value{raw: new(big.Int).Sub(v.big(), o.big())}
}

// Neg returns -v.
func (v Value) Neg() Value {
	return Value{raw: new(big.Int).Neg(v.big())}
}

// Abs returns |v|.
func (v Value) Abs() Value {
	return Value{raw: new(big.Int).Abs(v.big())}
}

// Mul returns v * o with the result floored to 18 fractional digits:
//
//	floor(v * o / 10^18)
func (v Value) Mul(o Value) Value {
	prod := new(big.Int).Mul(v.big(), o.big())
	return Value{raw: floorDiv(prod, scale)}
}

// Div returns v / o floored to 18 fractional digits:
//
//	floor(v * 10^18 / o)
//
// Div panics if o is zero, matching math/big; callers validate divisors
// (prices, share supplies) before dividing.
func (v Value) Div(o Value) Value {
	num := new(big.Int).Mul(v.big(), scale)
	return Value{raw: floorDiv(num, o.big())}
}

// MulDiv returns v * m / d in one step at full intermediate precision,
// floored once. Prefer it over Mul followed by Div when both magnitudes
// are extreme.
func (v Value) MulDiv(m, d Value) Value {
	num := new(big.Int).Mul(v.big(), m.big())
	return Value{raw: floorDiv(num, d.big())}
}

// Cmp compares v and o: -1 if v < o, 0 if equal, +1 if v > o.
func (v Value) Cmp(o Value) int {
	return v.big().Cmp(o.big())
}

// Equal reports v == o.
func (v Value) Equal(o Value) bool {
	return v.Cmp(o) == 0
}

// Sign returns -1, 0, or +1.
func (v Value) Sign() int {
	return v.big().Sign()
}

// IsZero reports v == 0.
func (v Value) IsZero() bool {
	return v.Sign() == 0
}

// Min returns the smaller of v and o.
func (v Value) Min(o Value) Value {
	if v.Cmp(o) <= 0 {
		return v
	}
	return o
}

// Max returns the larger of v and o.
func (v Value) Max(o Value) Value {
	if v.Cmp(o) >= 0 {
		return v
	}
	return o
}

// Clamp bounds v to [lo, hi].
func (v Value) Clamp(lo, hi Value) Value {
	if v.Cmp(lo) < 0 {
		return lo
	}
	if v.Cmp(hi) > 0 {
		return hi
	}
	return v
}

// floorDiv divides rounding toward negative infinity for any sign of n.
// big.Int.Div is Euclidean, which is floor only for a positive divisor, so
// a negative divisor flips both operands first.
func floorDiv(n, d *big.Int) *big.Int {
	if d.Sign() == 0 {
		panic("fixedpoint: division by zero")
	}
	if d.Sign() < 0 {
		return new(big.Int).Div(new(big.Int).Neg(n), new(big.Int).Neg(d))
	}
	return new(big.Int).Div(n, d)
}
