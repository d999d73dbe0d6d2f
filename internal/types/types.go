package types

import (
	"encoding/hex"
	"fmt"
)

// Address identifies an account or token contract (20 bytes, EVM-shaped).
type Address [20]byte

// ZeroAddress is the all-zero address.
var ZeroAddress Address

// BytesToAddress copies b into an Address, left-truncating if too long.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > len(a) {
		b = b[len(b)-len(a):]
	}
	copy(a[len(a)-len(b):], b)
	return a
}

// HexToAddress parses a 0x-prefixed or bare hex string.
func HexToAddress(s string) (Address, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	if len(b) != 20 {
		return Address{}, fmt.Errorf("parse address %q: want 20 bytes, got %d", s, len(b))
	}
	return BytesToAddress(b), nil
}

// RepeatByteAddress fills every byte with b. Test fixture helper.
func RepeatByteAddress(b byte) Address {
	var a Address
	for i := range a {
		a[i] = b
	}
	return a
}

func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == ZeroAddress
}

func (a Address) String() string {
	return a.Hex()
}

// InstrumentID is the collision-resistant identity of an option series
// (32-byte digest of its canonical parameter encoding).
type InstrumentID [32]byte

// ZeroInstrumentID is the all-zero id, used as an absent sentinel.
var ZeroInstrumentID InstrumentID

// HexToInstrumentID parses a 0x-prefixed or bare hex string.
func HexToInstrumentID(s string) (InstrumentID, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return InstrumentID{}, fmt.Errorf("parse instrument id %q: %w", s, err)
	}
	if len(b) != 32 {
		return InstrumentID{}, fmt.Errorf("parse instrument id %q: want 32 bytes, got %d", s, len(b))
	}
	var id InstrumentID
	copy(id[:], b)
	return id, nil
}

func (id InstrumentID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id InstrumentID) IsZero() bool {
	return id == ZeroInstrumentID
}

func (id InstrumentID) String() string {
	return id.Hex()
}
