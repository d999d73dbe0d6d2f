package instrument_test

import (
	"errors"
	"math/big"
	"testing"

	"OptionLedger/internal/instrument"
	"OptionLedger/internal/types"
)

func strike18(units int64) *big.Int {
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(units), one)
}

func sampleInstrument() instrument.Instrument {
	return instrument.Instrument{
		Underlying:         types.RepeatByteAddress(0x11),
		Quote:              types.RepeatByteAddress(0x22),
		UnderlyingDecimals: 8,
		QuoteDecimals:      6,
		Strike:             strike18(60_000),
		Expiry:             2_000_000_000,
		Kind:               instrument.Call,
	}
}

func TestDeriveID_Deterministic(t *testing.T) {
	a := instrument.DeriveID(sampleInstrument())
	b := instrument.DeriveID(sampleInstrument())
	if a != b {
		t.Errorf("same params produced different ids: %s vs %s", a, b)
	}
	if a.IsZero() {
		t.Error("derived id is zero")
	}
}

func TestDeriveID_EveryFieldChangesID(t *testing.T) {
	base := instrument.DeriveID(sampleInstrument())

	variants := map[string]instrument.Instrument{}

	v := sampleInstrument()
	v.Underlying = types.RepeatByteAddress(0x33)
	variants["underlying"] = v

	v = sampleInstrument()
	v.Quote = types.RepeatByteAddress(0x44)
	variants["quote"] = v

	v = sampleInstrument()
	v.Strike = strike18(3_000)
	variants["strike"] = v

	v = sampleInstrument()
	v.Expiry = 2_100_000_000
	variants["expiry"] = v

	v = sampleInstrument()
	v.Kind = instrument.Put
	variants["kind"] = v

	for field, inst := range variants {
		if instrument.DeriveID(inst) == base {
			t.Errorf("changing %s did not change the id", field)
		}
	}
}

func TestDeriveID_DecimalsDoNotEnterIdentity(t *testing.T) {
	// Identity is the canonical byte encoding; decimals are metadata.
	a := sampleInstrument()
	b := sampleInstrument()
	b.UnderlyingDecimals = 18
	if instrument.DeriveID(a) != instrument.DeriveID(b) {
		t.Error("decimals changed the derived id")
	}
}

func TestRegistry_StoreFirstWriteWins(t *testing.T) {
	r := instrument.NewRegistry()
	inst := sampleInstrument()
	id := instrument.DeriveID(inst)

	r.Store(id, inst)

	// A second store of the same id must not overwrite.
	tampered := inst
	tampered.Expiry = 1
	r.Store(id, tampered)

	got, err := r.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Expiry != inst.Expiry {
		t.Errorf("second store overwrote metadata: expiry %d, want %d", got.Expiry, inst.Expiry)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	r := instrument.NewRegistry()
	_, err := r.Get(types.InstrumentID{0xFF})
	if !errors.Is(err, instrument.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestKindFromByte(t *testing.T) {
	if k, err := instrument.KindFromByte(0); err != nil || k != instrument.Call {
		t.Errorf("byte 0: got %v, %v", k, err)
	}
	if k, err := instrument.KindFromByte(1); err != nil || k != instrument.Put {
		t.Errorf("byte 1: got %v, %v", k, err)
	}
	if _, err := instrument.KindFromByte(2); !errors.Is(err, instrument.ErrInvalidKind) {
		t.Errorf("byte 2: got %v, want ErrInvalidKind", err)
	}
}
