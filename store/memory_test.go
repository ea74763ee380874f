package store

import (
	"context"
	"testing"
	"time"

	"go-tweetescrow/model"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	runSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	task, err := m.InsertTask(ctx, newTask("x", 100))
	require.NoError(t, err)

	task.Status = model.StatusWithdrawn
	task.RewardAmount.SetUint64(1)

	got, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, got.Status)
	assert.Equal(t, uint64(100), got.RewardAmount.Uint64())
}

func TestMemoryClock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.SetNowFunc(func() time.Time { return now })

	in := newTask("x", 100)
	in.CreatedAt = time.Time{}
	task, err := m.InsertTask(ctx, in, model.LedgerEntry{Token: tokenA, Kind: model.EntryEscrowLock, Amount: uint256.NewInt(100)})
	require.NoError(t, err)
	assert.Equal(t, now, task.CreatedAt)

	now = now.Add(time.Hour)
	moved, err := m.TransitionTask(ctx, task.ID, model.StatusCreated, model.StatusFulfilled)
	require.NoError(t, err)
	assert.Equal(t, now, moved.UpdatedAt)

	entries, err := m.LedgerEntries(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, now.Add(-time.Hour), entries[0].CreatedAt)
}

func TestMemoryNegativeJournal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	task, err := m.InsertTask(ctx, newTask("x", 100))
	require.NoError(t, err)
	_, err = m.TransitionTask(ctx, task.ID, model.StatusCreated, model.StatusRejected,
		model.LedgerEntry{Token: tokenA, Kind: model.EntryRefund, Amount: uint256.NewInt(5)})
	require.NoError(t, err)

	_, err = m.Balances(ctx, tokenA)
	require.Error(t, err)
}
