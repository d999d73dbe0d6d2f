// Package fixedmath implements the checked 256-bit-bounded integer
// arithmetic the protocol settles in. All amounts are non-negative
// big.Int values; every operation that could leave the representable
// range fails explicitly instead of wrapping.
package fixedmath

import (
	"errors"
	"fmt"
	"math/big"
)

// InternalDecimals is the fixed precision all amounts are normalized to.
const InternalDecimals = 18

var (
	ErrOverflow              = errors.New("arithmetic overflow")
	ErrUnderflow             = errors.New("arithmetic underflow")
	ErrDivisionByZero        = errors.New("division by zero")
	ErrInvalidDecimals       = errors.New("token decimals exceed 18")
	ErrNormalizationOverflow = errors.New("normalization overflow")
)

// MaxUint256 is the upper bound of the representable amount range (2^256 - 1).
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// One18 is the 18-decimal fixed-point unit.
var One18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(InternalDecimals), nil)

var pow10 [InternalDecimals + 1]*big.Int

func init() {
	for i := range pow10 {
		pow10[i] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(i)), nil)
	}
}

// Pow10 returns 10^n for n in [0, 18].
func Pow10(n uint8) *big.Int {
	return pow10[n]
}

func inRange(v *big.Int) bool {
	return v.Sign() >= 0 && v.Cmp(MaxUint256) <= 0
}

// CheckedAdd returns a+b or ErrOverflow past the 256-bit bound.
func CheckedAdd(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if !inRange(sum) {
		return nil, fmt.Errorf("%w: %s + %s", ErrOverflow, a, b)
	}
	return sum, nil
}

// CheckedSub returns a-b or ErrUnderflow when b > a.
func CheckedSub(a, b *big.Int) (*big.Int, error) {
	if a.Cmp(b) < 0 {
		return nil, fmt.Errorf("%w: %s - %s", ErrUnderflow, a, b)
	}
	return new(big.Int).Sub(a, b), nil
}

// CheckedMul returns a*b or ErrOverflow past the 256-bit bound.
func CheckedMul(a, b *big.Int) (*big.Int, error) {
	prod := new(big.Int).Mul(a, b)
	if !inRange(prod) {
		return nil, fmt.Errorf("%w: %s * %s", ErrOverflow, a, b)
	}
	return prod, nil
}

// MulDivFloor returns floor(a*b/den). The intermediate product is not
// bounds-checked (it is a transient wide value, matching 512-bit
// intermediates); the quotient is.
func MulDivFloor(a, b, den *big.Int) (*big.Int, error) {
	if den.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	q := new(big.Int).Mul(a, b)
	q.Quo(q, den)
	if !inRange(q) {
		return nil, fmt.Errorf("%w: muldiv result %s", ErrOverflow, q)
	}
	return q, nil
}

// Normalize rescales amount from its native decimals to 18-decimal
// fixed point: amount * 10^(18-decimals).
func Normalize(amount *big.Int, decimals uint8) (*big.Int, error) {
	if decimals > InternalDecimals {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDecimals, decimals)
	}
	scaled := new(big.Int).Mul(amount, pow10[InternalDecimals-decimals])
	if !inRange(scaled) {
		return nil, fmt.Errorf("%w: %s at %d decimals", ErrNormalizationOverflow, amount, decimals)
	}
	return scaled, nil
}

// Denormalize rescales an 18-decimal amount back to native decimals,
// flooring any sub-unit remainder.
func Denormalize(amount18 *big.Int, decimals uint8) (*big.Int, error) {
	if decimals > InternalDecimals {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDecimals, decimals)
	}
	return new(big.Int).Quo(amount18, pow10[InternalDecimals-decimals]), nil
}
