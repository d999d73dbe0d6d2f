package ledger_test

import (
	"errors"
	"math/big"
	"testing"

	"OptionLedger/internal/fixedmath"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/token"
	"OptionLedger/internal/types"
)

const (
	testNow    = uint64(1_700_000_000)
	testExpiry = uint64(2_000_000_000)
)

var (
	ledgerAddr     = types.RepeatByteAddress(0x01)
	writerAddr     = types.RepeatByteAddress(0xAA)
	underlyingAddr = types.RepeatByteAddress(0x11)
	quoteAddr      = types.RepeatByteAddress(0x22)
)

func strike60k() *big.Int {
	return new(big.Int).Mul(big.NewInt(60_000), fixedmath.One18)
}

// scaled returns raw * 10^exp, for hand-computed normalization in
// assertions.
func scaled(raw int64, exp int64) *big.Int {
	p := new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
	return new(big.Int).Mul(big.NewInt(raw), p)
}

type fixture struct {
	ledger     *ledger.Ledger
	underlying *token.Mock
	quote      *token.Mock
	now        uint64
	uAsset     ledger.Asset
	qAsset     ledger.Asset
}

func newFixture() *fixture {
	f := &fixture{now: testNow}

	tokens := token.NewRegistry()
	f.underlying = token.NewMock()
	f.quote = token.NewMock()
	tokens.Register(underlyingAddr, f.underlying)
	tokens.Register(quoteAddr, f.quote)

	f.ledger = ledger.New(instrument.NewRegistry(), tokens, ledgerAddr, func() uint64 { return f.now })
	f.uAsset = ledger.Asset{Address: underlyingAddr, Decimals: 8}
	f.qAsset = ledger.Asset{Address: quoteAddr, Decimals: 6}
	return f
}

func (f *fixture) fundWriter(amount *big.Int) {
	f.underlying.Mint(writerAddr, amount)
	f.underlying.Approve(writerAddr, ledgerAddr, amount)
}

func (f *fixture) writeCall(t *testing.T, quantity int64) types.InstrumentID {
	t.Helper()
	id, err := f.ledger.WriteOption(
		writerAddr, strike60k(), testExpiry, big.NewInt(quantity),
		f.uAsset, f.qAsset, instrument.Call,
	)
	if err != nil {
		t.Fatalf("write call: %v", err)
	}
	return id
}

func TestWriteCall_HappyPath(t *testing.T) {
	f := newFixture()
	f.fundWriter(big.NewInt(100_000_000))

	id := f.writeCall(t, 100_000_000)
	if id.IsZero() {
		t.Fatal("id is zero")
	}

	// 8-decimal quantity normalizes by 10^10.
	wantBal := scaled(100_000_000, 10)
	if got := f.ledger.BalanceOf(writerAddr, id); got.Cmp(wantBal) != 0 {
		t.Errorf("balance: got %s, want %s", got, wantBal)
	}
	if got := f.ledger.TotalSupply(id); got.Cmp(wantBal) != 0 {
		t.Errorf("supply: got %s, want %s", got, wantBal)
	}

	pos := f.ledger.GetPosition(writerAddr, id)
	if pos.Quantity.Cmp(wantBal) != 0 || pos.Collateral.Cmp(wantBal) != 0 {
		t.Errorf("position: got q=%s c=%s, want both %s", pos.Quantity, pos.Collateral, wantBal)
	}

	// Collateral pulled into custody in raw underlying units.
	custody, _ := f.underlying.BalanceOf(ledgerAddr)
	if custody.Int64() != 100_000_000 {
		t.Errorf("custody: got %d, want 100000000", custody.Int64())
	}
}

func TestWriteCall_SameParamsSameID(t *testing.T) {
	f := newFixture()
	f.fundWriter(big.NewInt(200_000_000))

	id1 := f.writeCall(t, 100_000_000)
	id2 := f.writeCall(t, 100_000_000)
	if id1 != id2 {
		t.Errorf("same params gave different ids: %s vs %s", id1, id2)
	}

	wantBal := scaled(200_000_000, 10)
	if got := f.ledger.BalanceOf(writerAddr, id1); got.Cmp(wantBal) != 0 {
		t.Errorf("balance after double write: got %s, want %s", got, wantBal)
	}
}

func TestWriteCall_ValidationErrors(t *testing.T) {
	f := newFixture()
	f.fundWriter(big.NewInt(100_000_000))

	cases := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"zero strike", func() error {
			_, err := f.ledger.WriteOption(writerAddr, big.NewInt(0), testExpiry, big.NewInt(1), f.uAsset, f.qAsset, instrument.Call)
			return err
		}, ledger.ErrZeroStrike},
		{"expiry equals now", func() error {
			_, err := f.ledger.WriteOption(writerAddr, strike60k(), testNow, big.NewInt(1), f.uAsset, f.qAsset, instrument.Call)
			return err
		}, ledger.ErrExpiryInPast},
		{"zero quantity", func() error {
			_, err := f.ledger.WriteOption(writerAddr, strike60k(), testExpiry, big.NewInt(0), f.uAsset, f.qAsset, instrument.Call)
			return err
		}, ledger.ErrZeroQuantity},
		{"same token", func() error {
			_, err := f.ledger.WriteOption(writerAddr, strike60k(), testExpiry, big.NewInt(1), f.uAsset, ledger.Asset{Address: underlyingAddr, Decimals: 6}, instrument.Call)
			return err
		}, ledger.ErrSameToken},
		{"underlying decimals too large", func() error {
			_, err := f.ledger.WriteOption(writerAddr, strike60k(), testExpiry, big.NewInt(1), ledger.Asset{Address: underlyingAddr, Decimals: 19}, f.qAsset, instrument.Call)
			return err
		}, fixedmath.ErrInvalidDecimals},
		{"quote decimals too large", func() error {
			_, err := f.ledger.WriteOption(writerAddr, strike60k(), testExpiry, big.NewInt(1), f.uAsset, ledger.Asset{Address: quoteAddr, Decimals: 19}, instrument.Call)
			return err
		}, fixedmath.ErrInvalidDecimals},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}

	// No state escaped any failed write.
	custody, _ := f.underlying.BalanceOf(ledgerAddr)
	if custody.Sign() != 0 {
		t.Errorf("custody after failed writes: %s, want 0", custody)
	}
}

func TestWriteCall_TransferFailureRollsBack(t *testing.T) {
	f := newFixture()
	// Funded but no approval: the collateral pull fails.
	f.underlying.Mint(writerAddr, big.NewInt(100_000_000))

	_, err := f.ledger.WriteOption(writerAddr, strike60k(), testExpiry, big.NewInt(100_000_000), f.uAsset, f.qAsset, instrument.Call)
	if !errors.Is(err, token.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}

	inst := instrument.Instrument{
		Underlying: underlyingAddr, Quote: quoteAddr,
		UnderlyingDecimals: 8, QuoteDecimals: 6,
		Strike: strike60k(), Expiry: testExpiry, Kind: instrument.Call,
	}
	id := instrument.DeriveID(inst)
	if f.ledger.Registry().Has(id) {
		t.Error("series registered despite failed collateral pull")
	}
	if got := f.ledger.BalanceOf(writerAddr, id); got.Sign() != 0 {
		t.Errorf("balance survived rollback: %s", got)
	}
	pos := f.ledger.GetPosition(writerAddr, id)
	if pos.Quantity.Sign() != 0 || pos.Collateral.Sign() != 0 {
		t.Errorf("position survived rollback: q=%s c=%s", pos.Quantity, pos.Collateral)
	}
	if got := f.ledger.TotalSupply(id); got.Sign() != 0 {
		t.Errorf("supply survived rollback: %s", got)
	}
}

func TestWritePut_CollateralIsStrikeValueInQuote(t *testing.T) {
	f := newFixture()
	// Put on 1.0 of an 8-decimal underlying at strike 60k: collateral
	// is 60,000 quote units = 60_000_000_000 at 6 decimals.
	f.quote.Mint(writerAddr, scaled(60_000, 6))
	f.quote.Approve(writerAddr, ledgerAddr, scaled(60_000, 6))

	id, err := f.ledger.WriteOption(
		writerAddr, strike60k(), testExpiry, big.NewInt(100_000_000),
		f.uAsset, f.qAsset, instrument.Put,
	)
	if err != nil {
		t.Fatalf("write put: %v", err)
	}

	pos := f.ledger.GetPosition(writerAddr, id)
	wantCollateral := scaled(60_000, 18)
	if pos.Collateral.Cmp(wantCollateral) != 0 {
		t.Errorf("collateral: got %s, want %s", pos.Collateral, wantCollateral)
	}

	custody, _ := f.quote.BalanceOf(ledgerAddr)
	if custody.Cmp(scaled(60_000, 6)) != 0 {
		t.Errorf("quote custody: got %s, want %s", custody, scaled(60_000, 6))
	}
}

func TestExerciseCall_BurnsBalanceAndReducesPosition(t *testing.T) {
	f := newFixture()
	f.fundWriter(big.NewInt(100_000_000))
	id := f.writeCall(t, 100_000_000)

	if err := f.ledger.Exercise(writerAddr, id, scaled(40_000_000, 10), instrument.Call); err != nil {
		t.Fatalf("exercise: %v", err)
	}

	want := scaled(60_000_000, 10)
	if got := f.ledger.BalanceOf(writerAddr, id); got.Cmp(want) != 0 {
		t.Errorf("balance: got %s, want %s", got, want)
	}
	pos := f.ledger.GetPosition(writerAddr, id)
	if pos.Quantity.Cmp(want) != 0 || pos.Collateral.Cmp(want) != 0 {
		t.Errorf("position: got q=%s c=%s, want both %s", pos.Quantity, pos.Collateral, want)
	}
	if got := f.ledger.TotalSupply(id); got.Cmp(want) != 0 {
		t.Errorf("supply: got %s, want %s", got, want)
	}

	// Payout leaves custody in raw underlying units.
	writerBal, _ := f.underlying.BalanceOf(writerAddr)
	if writerBal.Int64() != 40_000_000 {
		t.Errorf("writer underlying: got %d, want 40000000", writerBal.Int64())
	}
	custody, _ := f.underlying.BalanceOf(ledgerAddr)
	if custody.Int64() != 60_000_000 {
		t.Errorf("custody underlying: got %d, want 60000000", custody.Int64())
	}
}

func TestExerciseCall_FullPositionZeroesExactly(t *testing.T) {
	f := newFixture()
	f.fundWriter(big.NewInt(50_000_000))
	id := f.writeCall(t, 50_000_000)

	if err := f.ledger.Exercise(writerAddr, id, scaled(50_000_000, 10), instrument.Call); err != nil {
		t.Fatalf("exercise: %v", err)
	}

	if got := f.ledger.BalanceOf(writerAddr, id); got.Sign() != 0 {
		t.Errorf("balance: got %s, want 0", got)
	}
	pos := f.ledger.GetPosition(writerAddr, id)
	if pos.Quantity.Sign() != 0 || pos.Collateral.Sign() != 0 {
		t.Errorf("position not zeroed: q=%s c=%s", pos.Quantity, pos.Collateral)
	}
}

func TestExerciseCall_MultiplePartialsDeplete(t *testing.T) {
	f := newFixture()
	f.fundWriter(big.NewInt(100_000_000))
	id := f.writeCall(t, 100_000_000)

	total := scaled(100_000_000, 10)
	steps := []int64{25_000_000, 35_000_000, 40_000_000}
	remaining := new(big.Int).Set(total)

	for _, step := range steps {
		if err := f.ledger.Exercise(writerAddr, id, scaled(step, 10), instrument.Call); err != nil {
			t.Fatalf("exercise %d: %v", step, err)
		}
		remaining.Sub(remaining, scaled(step, 10))
		if got := f.ledger.BalanceOf(writerAddr, id); got.Cmp(remaining) != 0 {
			t.Fatalf("after exercising %d: balance %s, want %s", step, got, remaining)
		}
	}

	if got := f.ledger.BalanceOf(writerAddr, id); got.Sign() != 0 {
		t.Errorf("final balance: got %s, want 0", got)
	}
}

func TestExercise_Failures(t *testing.T) {
	f := newFixture()
	f.fundWriter(big.NewInt(100_000_000))
	id := f.writeCall(t, 100_000_000)
	full := scaled(100_000_000, 10)

	t.Run("unknown id", func(t *testing.T) {
		err := f.ledger.Exercise(writerAddr, types.InstrumentID{0xFF}, full, instrument.Call)
		if !errors.Is(err, ledger.ErrOptionNotFound) {
			t.Errorf("got %v, want ErrOptionNotFound", err)
		}
	})
	t.Run("after expiry", func(t *testing.T) {
		f.now = testExpiry
		defer func() { f.now = testNow }()
		err := f.ledger.Exercise(writerAddr, id, big.NewInt(1), instrument.Call)
		if !errors.Is(err, ledger.ErrExerciseAfterExpiry) {
			t.Errorf("got %v, want ErrExerciseAfterExpiry", err)
		}
	})
	t.Run("wrong kind", func(t *testing.T) {
		err := f.ledger.Exercise(writerAddr, id, full, instrument.Put)
		if !errors.Is(err, ledger.ErrWrongOptionType) {
			t.Errorf("got %v, want ErrWrongOptionType", err)
		}
	})
	t.Run("zero quantity", func(t *testing.T) {
		err := f.ledger.Exercise(writerAddr, id, big.NewInt(0), instrument.Call)
		if !errors.Is(err, ledger.ErrZeroQuantity) {
			t.Errorf("got %v, want ErrZeroQuantity", err)
		}
	})
	t.Run("more than balance", func(t *testing.T) {
		over := new(big.Int).Add(full, big.NewInt(1))
		err := f.ledger.Exercise(writerAddr, id, over, instrument.Call)
		if !errors.Is(err, ledger.ErrInsufficientBalance) {
			t.Errorf("got %v, want ErrInsufficientBalance", err)
		}
	})
	t.Run("holder without position", func(t *testing.T) {
		stranger := types.RepeatByteAddress(0xCC)
		// Give the stranger balance but no written position.
		if err := f.ledger.TransferBalance(writerAddr, writerAddr, stranger, id, big.NewInt(1)); err != nil {
			t.Fatalf("transfer: %v", err)
		}
		err := f.ledger.Exercise(stranger, id, big.NewInt(1), instrument.Call)
		if !errors.Is(err, ledger.ErrInsufficientPosition) {
			t.Errorf("got %v, want ErrInsufficientPosition", err)
		}
	})
}

func TestExercisePut_PaysStrikeFromQuoteCollateral(t *testing.T) {
	f := newFixture()
	f.quote.Mint(writerAddr, scaled(60_000, 6))
	f.quote.Approve(writerAddr, ledgerAddr, scaled(60_000, 6))

	id, err := f.ledger.WriteOption(
		writerAddr, strike60k(), testExpiry, big.NewInt(100_000_000),
		f.uAsset, f.qAsset, instrument.Put,
	)
	if err != nil {
		t.Fatalf("write put: %v", err)
	}

	// Exercise half: releases half the quote collateral.
	if err := f.ledger.Exercise(writerAddr, id, scaled(50_000_000, 10), instrument.Put); err != nil {
		t.Fatalf("exercise put: %v", err)
	}

	writerQuote, _ := f.quote.BalanceOf(writerAddr)
	if writerQuote.Cmp(scaled(30_000, 6)) != 0 {
		t.Errorf("writer quote: got %s, want %s", writerQuote, scaled(30_000, 6))
	}
}

func TestWithdrawExpiredCollateral(t *testing.T) {
	f := newFixture()
	f.fundWriter(big.NewInt(100_000_000))
	id := f.writeCall(t, 100_000_000)

	// Before expiry: rejected.
	err := f.ledger.WithdrawExpiredCollateral(writerAddr, id, scaled(100_000_000, 10))
	if !errors.Is(err, ledger.ErrNotExpired) {
		t.Fatalf("got %v, want ErrNotExpired", err)
	}

	f.now = testExpiry
	if err := f.ledger.WithdrawExpiredCollateral(writerAddr, id, scaled(40_000_000, 10)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	pos := f.ledger.GetPosition(writerAddr, id)
	want := scaled(60_000_000, 10)
	if pos.Quantity.Cmp(want) != 0 || pos.Collateral.Cmp(want) != 0 {
		t.Errorf("position: got q=%s c=%s, want both %s", pos.Quantity, pos.Collateral, want)
	}
	writerBal, _ := f.underlying.BalanceOf(writerAddr)
	if writerBal.Int64() != 40_000_000 {
		t.Errorf("writer refund: got %d, want 40000000", writerBal.Int64())
	}
}

func TestTransferBalance_Authorization(t *testing.T) {
	f := newFixture()
	f.fundWriter(big.NewInt(100_000_000))
	id := f.writeCall(t, 100_000_000)

	other := types.RepeatByteAddress(0xBB)
	operator := types.RepeatByteAddress(0xCC)

	// Unapproved operator rejected.
	err := f.ledger.TransferBalance(operator, writerAddr, other, id, big.NewInt(1))
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}

	if err := f.ledger.SetApprovalForAll(writerAddr, operator, true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := f.ledger.TransferBalance(operator, writerAddr, other, id, scaled(10_000_000, 10)); err != nil {
		t.Fatalf("approved transfer: %v", err)
	}
	if got := f.ledger.BalanceOf(other, id); got.Cmp(scaled(10_000_000, 10)) != 0 {
		t.Errorf("recipient balance: got %s", got)
	}

	// Supply is conserved across transfers.
	total := new(big.Int).Add(f.ledger.BalanceOf(writerAddr, id), f.ledger.BalanceOf(other, id))
	if total.Cmp(f.ledger.TotalSupply(id)) != 0 {
		t.Errorf("supply %s != sum of balances %s", f.ledger.TotalSupply(id), total)
	}

	// Revocation takes effect.
	if err := f.ledger.SetApprovalForAll(writerAddr, operator, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	err = f.ledger.TransferBalance(operator, writerAddr, other, id, big.NewInt(1))
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("after revoke: got %v, want ErrUnauthorized", err)
	}
}

func TestSetApprovalForAll_SelfApprovalRejected(t *testing.T) {
	f := newFixture()
	err := f.ledger.SetApprovalForAll(writerAddr, writerAddr, true)
	if !errors.Is(err, ledger.ErrSelfApproval) {
		t.Errorf("got %v, want ErrSelfApproval", err)
	}
	// Self is implicitly authorized regardless.
	if !f.ledger.IsApprovedForAll(writerAddr, writerAddr) {
		t.Error("owner should always be authorized for itself")
	}
}

func TestFeeOnTransferCollateralRejected(t *testing.T) {
	feeAddr := types.RepeatByteAddress(0x99)
	feeTok := token.NewFeeOnTransferMock()

	tokens := token.NewRegistry()
	tokens.Register(feeAddr, feeTok)
	tokens.Register(quoteAddr, token.NewMock())

	l := ledger.New(instrument.NewRegistry(), tokens, ledgerAddr, func() uint64 { return testNow })
	feeTok.Mint(writerAddr, big.NewInt(100_000_000))

	_, err := l.WriteOption(
		writerAddr, strike60k(), testExpiry, big.NewInt(100_000_000),
		ledger.Asset{Address: feeAddr, Decimals: 8},
		ledger.Asset{Address: quoteAddr, Decimals: 6},
		instrument.Call,
	)
	if !errors.Is(err, token.ErrFeeOnTransfer) {
		t.Fatalf("got %v, want ErrFeeOnTransfer", err)
	}

	// Rollback left no position behind.
	inst := instrument.Instrument{
		Underlying: feeAddr, Quote: quoteAddr,
		UnderlyingDecimals: 8, QuoteDecimals: 6,
		Strike: strike60k(), Expiry: testExpiry, Kind: instrument.Call,
	}
	pos := l.GetPosition(writerAddr, instrument.DeriveID(inst))
	if pos.Quantity.Sign() != 0 {
		t.Errorf("position survived failed pull: %s", pos.Quantity)
	}
}
