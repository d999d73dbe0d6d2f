// Package token defines the fungible-token collaborator interface the
// protocol settles against, and balance-verified transfer helpers that
// guard collateral accounting against non-standard tokens.
package token

import (
	"errors"
	"fmt"
	"math/big"

	"OptionLedger/internal/types"
)

var (
	ErrUnknownToken     = errors.New("unknown token contract")
	ErrTransferFailed   = errors.New("token transfer failed")
	ErrFeeOnTransfer    = errors.New("fee-on-transfer token detected")
	ErrBalanceDecreased = errors.New("unexpected balance decrease")
)

// Token is the interface required of an underlying or quote token
// contract. The spender/from arguments make caller identity explicit;
// implementations enforce allowance semantics for TransferFrom.
type Token interface {
	BalanceOf(account types.Address) (*big.Int, error)
	Transfer(from, to types.Address, amount *big.Int) (bool, error)
	TransferFrom(spender, from, to types.Address, amount *big.Int) (bool, error)
}

// Registry resolves token contract addresses to their implementations,
// standing in for the host's contract address space.
type Registry struct {
	tokens map[types.Address]Token
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[types.Address]Token)}
}

func (r *Registry) Register(addr types.Address, t Token) {
	r.tokens[addr] = t
}

func (r *Registry) Lookup(addr types.Address) (Token, error) {
	t, ok := r.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr)
	}
	return t, nil
}

// SafeTransfer moves amount from `from` to `to` and verifies the
// recipient's balance grew by exactly amount. Detects fee-on-transfer
// and rebasing tokens that would silently corrupt collateral accounting.
func SafeTransfer(t Token, from, to types.Address, amount *big.Int) error {
	before, err := t.BalanceOf(to)
	if err != nil {
		return fmt.Errorf("%w: balance query: %v", ErrTransferFailed, err)
	}

	ok, err := t.Transfer(from, to, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: transfer returned false", ErrTransferFailed)
	}

	return verifyReceived(t, to, before, amount)
}

// SafeTransferFrom is SafeTransfer through the allowance path.
func SafeTransferFrom(t Token, spender, from, to types.Address, amount *big.Int) error {
	before, err := t.BalanceOf(to)
	if err != nil {
		return fmt.Errorf("%w: balance query: %v", ErrTransferFailed, err)
	}

	ok, err := t.TransferFrom(spender, from, to, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: transferFrom returned false", ErrTransferFailed)
	}

	return verifyReceived(t, to, before, amount)
}

func verifyReceived(t Token, to types.Address, before, amount *big.Int) error {
	after, err := t.BalanceOf(to)
	if err != nil {
		return fmt.Errorf("%w: balance query: %v", ErrTransferFailed, err)
	}

	if after.Cmp(before) < 0 {
		return fmt.Errorf("%w: %s -> %s", ErrBalanceDecreased, before, after)
	}

	received := new(big.Int).Sub(after, before)
	if received.Cmp(amount) != 0 {
		return fmt.Errorf("%w: sent %s, received %s", ErrFeeOnTransfer, amount, received)
	}
	return nil
}
