// Package instrument derives canonical identities for option series and
// stores their immutable metadata.
package instrument

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"OptionLedger/internal/types"
)

// Kind is the option style.
type Kind uint8

const (
	// Call is the right to buy the underlying at the strike.
	Call Kind = iota
	// Put is the right to sell the underlying at the strike.
	Put
)

func (k Kind) String() string {
	switch k {
	case Call:
		return "call"
	case Put:
		return "put"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound    = errors.New("instrument not found")
	ErrInvalidKind = errors.New("invalid option kind")
)

// KindFromByte converts a wire byte to a Kind.
func KindFromByte(b uint8) (Kind, error) {
	switch b {
	case 0:
		return Call, nil
	case 1:
		return Put, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidKind, b)
	}
}

// Instrument holds the economic parameters of one option series.
// Written once; immutable thereafter.
type Instrument struct {
	Underlying         types.Address
	Quote              types.Address
	UnderlyingDecimals uint8
	QuoteDecimals      uint8
	Strike             *big.Int // 18-decimal fixed point
	Expiry             uint64   // unix seconds
	Kind               Kind
}

// CanonicalBytes returns the deterministic identity encoding:
// underlying(20) || quote(20) || strike(32 BE) || expiry(8 BE) || kind(1).
func (i Instrument) CanonicalBytes() []byte {
	buf := make([]byte, 0, 81)
	buf = append(buf, i.Underlying[:]...)
	buf = append(buf, i.Quote[:]...)

	var strike [32]byte
	i.Strike.FillBytes(strike[:])
	buf = append(buf, strike[:]...)

	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], i.Expiry)
	buf = append(buf, expiry[:]...)

	buf = append(buf, byte(i.Kind))
	return buf
}

// DeriveID computes the series identity. Pure: identical parameters
// always hash to the same id.
func DeriveID(i Instrument) types.InstrumentID {
	return sha256.Sum256(i.CanonicalBytes())
}

// Registry is the write-once store of instrument metadata.
type Registry struct {
	byID map[types.InstrumentID]Instrument
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[types.InstrumentID]Instrument)}
}

// Store records metadata under id. First write wins; storing the same
// id again is a no-op since the id is a function of the parameters.
func (r *Registry) Store(id types.InstrumentID, inst Instrument) {
	if _, ok := r.byID[id]; ok {
		return
	}
	r.byID[id] = inst
}

// Get returns the stored metadata or ErrNotFound.
func (r *Registry) Get(id types.InstrumentID) (Instrument, error) {
	inst, ok := r.byID[id]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}

// Has reports whether id has been stored.
func (r *Registry) Has(id types.InstrumentID) bool {
	_, ok := r.byID[id]
	return ok
}

// Count returns the number of stored series.
func (r *Registry) Count() int {
	return len(r.byID)
}
