package ledger

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	token   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	holder  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	custody = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	payee   = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func TestMemoryTransferFrom(t *testing.T) {
	ctx := context.Background()

	t.Run("without allowance", func(t *testing.T) {
		m := NewMemory(custody)
		m.Mint(token, holder, uint256.NewInt(100))

		err := m.TransferFrom(ctx, token, holder, custody, uint256.NewInt(10))
		require.ErrorIs(t, err, ErrInsufficientAllowance)
	})

	t.Run("without balance", func(t *testing.T) {
		m := NewMemory(custody)
		m.Approve(token, holder, custody, MaxAllowance)

		err := m.TransferFrom(ctx, token, holder, custody, uint256.NewInt(10))
		require.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("finite allowance is consumed", func(t *testing.T) {
		m := NewMemory(custody)
		m.Mint(token, holder, uint256.NewInt(100))
		m.Approve(token, holder, custody, uint256.NewInt(30))

		require.NoError(t, m.TransferFrom(ctx, token, holder, custody, uint256.NewInt(20)))
		assert.Equal(t, uint64(10), m.Allowance(token, holder, custody).Uint64())

		err := m.TransferFrom(ctx, token, holder, custody, uint256.NewInt(20))
		require.ErrorIs(t, err, ErrInsufficientAllowance)

		bal, err := m.BalanceOf(ctx, token, custody)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), bal.Uint64())
	})

	t.Run("max allowance is not consumed", func(t *testing.T) {
		m := NewMemory(custody)
		m.Mint(token, holder, uint256.NewInt(100))
		m.Approve(token, holder, custody, MaxAllowance)

		require.NoError(t, m.TransferFrom(ctx, token, holder, custody, uint256.NewInt(60)))
		assert.True(t, m.Allowance(token, holder, custody).Eq(MaxAllowance))
	})
}

func TestMemoryTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(custody)
	m.Mint(token, custody, uint256.NewInt(5))

	require.ErrorIs(t, m.Transfer(ctx, token, payee, uint256.NewInt(6)), ErrInsufficientBalance)
	require.NoError(t, m.Transfer(ctx, token, payee, uint256.NewInt(5)))

	bal, err := m.BalanceOf(ctx, token, payee)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bal.Uint64())

	bal, err = m.BalanceOf(ctx, token, custody)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestMemoryFund(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(custody)
	m.Fund(token, holder, uint256.NewInt(100))
	m.Fund(token, holder, uint256.NewInt(50))

	bal, err := m.BalanceOf(ctx, token, holder)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(150), bal)
	assert.Equal(t, MaxAllowance, m.Allowance(token, holder, custody))

	require.NoError(t, m.TransferFrom(ctx, token, holder, custody, uint256.NewInt(150)))
	bal, err = m.BalanceOf(ctx, token, custody)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(150), bal)
}
