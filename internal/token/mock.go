package token

import (
	"math/big"

	"OptionLedger/internal/types"
)

// Mock is an in-memory standard-behaving token used across package
// tests. Not safe for concurrent use; the engine serializes callers.
type Mock struct {
	balances   map[types.Address]*big.Int
	allowances map[types.Address]map[types.Address]*big.Int
}

func NewMock() *Mock {
	return &Mock{
		balances:   make(map[types.Address]*big.Int),
		allowances: make(map[types.Address]map[types.Address]*big.Int),
	}
}

func (m *Mock) Mint(to types.Address, amount *big.Int) {
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
}

func (m *Mock) Approve(owner, spender types.Address, amount *big.Int) {
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[types.Address]*big.Int)
	}
	m.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (m *Mock) balance(a types.Address) *big.Int {
	if b, ok := m.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (m *Mock) allowance(owner, spender types.Address) *big.Int {
	if inner, ok := m.allowances[owner]; ok {
		if a, ok := inner[spender]; ok {
			return a
		}
	}
	return new(big.Int)
}

func (m *Mock) BalanceOf(account types.Address) (*big.Int, error) {
	return new(big.Int).Set(m.balance(account)), nil
}

func (m *Mock) Transfer(from, to types.Address, amount *big.Int) (bool, error) {
	bal := m.balance(from)
	if bal.Cmp(amount) < 0 {
		return false, nil
	}
	m.balances[from] = new(big.Int).Sub(bal, amount)
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
	return true, nil
}

func (m *Mock) TransferFrom(spender, from, to types.Address, amount *big.Int) (bool, error) {
	allowed := m.allowance(from, spender)
	if allowed.Cmp(amount) < 0 {
		return false, nil
	}
	bal := m.balance(from)
	if bal.Cmp(amount) < 0 {
		return false, nil
	}
	m.balances[from] = new(big.Int).Sub(bal, amount)
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
	m.allowances[from][spender] = new(big.Int).Sub(allowed, amount)
	return true, nil
}

// FeeOnTransferMock deducts a 1% fee from every transfer, modeling the
// non-standard tokens SafeTransfer must reject.
type FeeOnTransferMock struct {
	balances map[types.Address]*big.Int
}

func NewFeeOnTransferMock() *FeeOnTransferMock {
	return &FeeOnTransferMock{balances: make(map[types.Address]*big.Int)}
}

func (m *FeeOnTransferMock) Mint(to types.Address, amount *big.Int) {
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
}

func (m *FeeOnTransferMock) balance(a types.Address) *big.Int {
	if b, ok := m.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (m *FeeOnTransferMock) BalanceOf(account types.Address) (*big.Int, error) {
	return new(big.Int).Set(m.balance(account)), nil
}

func (m *FeeOnTransferMock) Transfer(from, to types.Address, amount *big.Int) (bool, error) {
	bal := m.balance(from)
	if bal.Cmp(amount) < 0 {
		return false, nil
	}
	fee := new(big.Int).Quo(amount, big.NewInt(100))
	received := new(big.Int).Sub(amount, fee)
	m.balances[from] = new(big.Int).Sub(bal, amount)
	m.balances[to] = new(big.Int).Add(m.balance(to), received)
	return true, nil
}

func (m *FeeOnTransferMock) TransferFrom(spender, from, to types.Address, amount *big.Int) (bool, error) {
	// Allowance checks elided; the fee behavior is what tests exercise.
	return m.Transfer(from, to, amount)
}

// RebasingMock shrinks the recipient's balance on every transfer,
// modeling a hostile rebase during settlement.
type RebasingMock struct {
	balances map[types.Address]*big.Int
}

func NewRebasingMock() *RebasingMock {
	return &RebasingMock{balances: make(map[types.Address]*big.Int)}
}

func (m *RebasingMock) Mint(to types.Address, amount *big.Int) {
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
}

func (m *RebasingMock) balance(a types.Address) *big.Int {
	if b, ok := m.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (m *RebasingMock) BalanceOf(account types.Address) (*big.Int, error) {
	return new(big.Int).Set(m.balance(account)), nil
}

func (m *RebasingMock) Transfer(from, to types.Address, amount *big.Int) (bool, error) {
	// Rebase: halve the recipient's holdings instead of crediting.
	m.balances[to] = new(big.Int).Quo(m.balance(to), big.NewInt(2))
	return true, nil
}

func (m *RebasingMock) TransferFrom(spender, from, to types.Address, amount *big.Int) (bool, error) {
	return m.Transfer(from, to, amount)
}
