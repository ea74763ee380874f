package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// MaxAllowance is never decremented by TransferFrom, like most ERC-20s.
var MaxAllowance = new(uint256.Int).SetAllOne()

type allowanceKey struct {
	token, owner, spender common.Address
}

type balanceKey struct {
	token, holder common.Address
}

// Memory is an in-process multi-token ledger used for local runs and tests.
type Memory struct {
	mu         sync.Mutex
	custody    common.Address
	balances   map[balanceKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

func NewMemory(custody common.Address) *Memory {
	return &Memory{
		custody:    custody,
		balances:   make(map[balanceKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

func (m *Memory) Custody() common.Address { return m.custody }

// Mint credits holder out of thin air.
func (m *Memory) Mint(token, holder common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(balanceKey{token, holder}, amount)
}

// Approve sets the allowance owner grants to spender.
func (m *Memory) Approve(token, owner, spender common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{token, owner, spender}] = amount.Clone()
}

// Fund mints amount to holder and approves custody without limit, the
// state a sponsor is in after buying the token and approving the escrow.
func (m *Memory) Fund(token, holder common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(balanceKey{token, holder}, amount)
	m.allowances[allowanceKey{token, holder, m.custody}] = MaxAllowance.Clone()
}

func (m *Memory) Allowance(token, owner, spender common.Address) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.allowances[allowanceKey{token, owner, spender}]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

func (m *Memory) balance(key balanceKey) *uint256.Int {
	if b, ok := m.balances[key]; ok {
		return b
	}
	return new(uint256.Int)
}

func (m *Memory) credit(key balanceKey, amount *uint256.Int) {
	m.balances[key] = new(uint256.Int).Add(m.balance(key), amount)
}

func (m *Memory) move(token, from, to common.Address, amount *uint256.Int) error {
	src := balanceKey{token, from}
	if m.balance(src).Lt(amount) {
		return errors.Wrapf(ErrInsufficientBalance, "%s holds less than %s", from.Hex(), amount.Dec())
	}
	m.balances[src] = new(uint256.Int).Sub(m.balance(src), amount)
	m.credit(balanceKey{token, to}, amount)
	return nil
}

func (m *Memory) TransferFrom(_ context.Context, token, holder, dest common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := allowanceKey{token, holder, m.custody}
	allowance, ok := m.allowances[key]
	if !ok || allowance.Lt(amount) {
		return errors.Wrapf(ErrInsufficientAllowance, "%s approved less than %s", holder.Hex(), amount.Dec())
	}
	if err := m.move(token, holder, dest, amount); err != nil {
		return err
	}
	if !allowance.Eq(MaxAllowance) {
		m.allowances[key] = new(uint256.Int).Sub(allowance, amount)
	}
	return nil
}

func (m *Memory) Transfer(_ context.Context, token, dest common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(token, m.custody, dest, amount)
}

func (m *Memory) BalanceOf(_ context.Context, token, holder common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(balanceKey{token, holder}).Clone(), nil
}
