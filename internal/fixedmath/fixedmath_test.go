package fixedmath_test

import (
	"errors"
	"math/big"
	"testing"

	"pgregory.net/rapid"

	"OptionLedger/internal/fixedmath"
)

func TestNormalize_SixDecimals(t *testing.T) {
	got, err := fixedmath.Normalize(big.NewInt(1_000_000), 6)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNormalize_EightDecimalsMatchesSixDecimalValue(t *testing.T) {
	at6, err := fixedmath.Normalize(big.NewInt(1_000_000), 6)
	if err != nil {
		t.Fatalf("normalize at 6: %v", err)
	}
	at8, err := fixedmath.Normalize(big.NewInt(100_000_000), 8)
	if err != nil {
		t.Fatalf("normalize at 8: %v", err)
	}
	if at6.Cmp(at8) != 0 {
		t.Errorf("1e6@6dec = %s, 1e8@8dec = %s, want equal", at6, at8)
	}
}

func TestNormalize_EighteenDecimalsIsIdentity(t *testing.T) {
	in := big.NewInt(123_456_789)
	got, err := fixedmath.Normalize(in, 18)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Cmp(in) != 0 {
		t.Errorf("got %s, want %s", got, in)
	}
}

func TestNormalize_DecimalsTooLarge(t *testing.T) {
	_, err := fixedmath.Normalize(big.NewInt(1), 19)
	if !errors.Is(err, fixedmath.ErrInvalidDecimals) {
		t.Errorf("got %v, want ErrInvalidDecimals", err)
	}
	_, err = fixedmath.Denormalize(big.NewInt(1), 19)
	if !errors.Is(err, fixedmath.ErrInvalidDecimals) {
		t.Errorf("denormalize: got %v, want ErrInvalidDecimals", err)
	}
}

func TestNormalize_Overflow(t *testing.T) {
	// MaxUint256 scaled up by any power of ten leaves the range.
	_, err := fixedmath.Normalize(fixedmath.MaxUint256, 6)
	if !errors.Is(err, fixedmath.ErrNormalizationOverflow) {
		t.Errorf("got %v, want ErrNormalizationOverflow", err)
	}
}

func TestNormalizeDenormalize_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		decimals := uint8(rapid.IntRange(0, 18).Draw(t, "decimals"))
		amount := big.NewInt(rapid.Int64Range(0, 1<<60).Draw(t, "amount"))

		norm, err := fixedmath.Normalize(amount, decimals)
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		back, err := fixedmath.Denormalize(norm, decimals)
		if err != nil {
			t.Fatalf("denormalize: %v", err)
		}
		if back.Cmp(amount) != 0 {
			t.Fatalf("round trip: got %s, want %s", back, amount)
		}
	})
}

func TestCheckedAdd_Overflow(t *testing.T) {
	_, err := fixedmath.CheckedAdd(fixedmath.MaxUint256, big.NewInt(1))
	if !errors.Is(err, fixedmath.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

func TestCheckedSub_Underflow(t *testing.T) {
	_, err := fixedmath.CheckedSub(big.NewInt(1), big.NewInt(2))
	if !errors.Is(err, fixedmath.ErrUnderflow) {
		t.Errorf("got %v, want ErrUnderflow", err)
	}
}

func TestCheckedMul_Overflow(t *testing.T) {
	_, err := fixedmath.CheckedMul(fixedmath.MaxUint256, big.NewInt(2))
	if !errors.Is(err, fixedmath.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

func TestMulDivFloor(t *testing.T) {
	got, err := fixedmath.MulDivFloor(big.NewInt(7), big.NewInt(3), big.NewInt(2))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if got.Int64() != 10 {
		t.Errorf("got %d, want 10", got.Int64())
	}

	_, err = fixedmath.MulDivFloor(big.NewInt(1), big.NewInt(1), big.NewInt(0))
	if !errors.Is(err, fixedmath.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}
