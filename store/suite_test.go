package store

import (
	"context"
	"testing"
	"time"

	"go-tweetescrow/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sponsor  = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	promoter = common.HexToAddress("0x0000000000000000000000000000000000000001")
	tokenA   = common.HexToAddress("0x000000000000000000000000000000000000a000")
	tokenB   = common.HexToAddress("0x000000000000000000000000000000000000b000")
)

func newTask(content string, reward uint64) *model.Task {
	return &model.Task{
		Sponsor:          sponsor,
		Promoter:         promoter,
		ContentReference: crypto.Keccak256Hash([]byte(content)),
		RewardAmount:     uint256.NewInt(reward),
		FeeAmount:        uint256.NewInt(reward / 100),
		RewardToken:      tokenA,
		Status:           model.StatusCreated,
		CreatedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}
}

func lockEntries(t *model.Task) []model.LedgerEntry {
	return []model.LedgerEntry{
		{Token: t.RewardToken, Kind: model.EntryEscrowLock, Amount: t.RewardAmount.Clone()},
		{Token: t.RewardToken, Kind: model.EntryProtocolFee, Amount: t.FeeAmount.Clone()},
	}
}

// runSuite checks the behaviour every Store implementation shares.
func runSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("tasks", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		in := newTask("This tweet", 1_000_000)
		first, err := s.InsertTask(ctx, in, lockEntries(in)...)
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.ID)

		second, err := s.InsertTask(ctx, newTask("Second task", 500))
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.ID)

		got, err := s.GetTask(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, in.ContentReference, got.ContentReference)
		assert.Equal(t, "1000000", got.RewardAmount.Dec())
		assert.Equal(t, "10000", got.FeeAmount.Dec())
		assert.Equal(t, model.StatusCreated, got.Status)

		_, err = s.GetTask(ctx, 3)
		require.ErrorIs(t, err, ErrNotFound)

		moved, err := s.TransitionTask(ctx, 1, model.StatusCreated, model.StatusFulfilled)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFulfilled, moved.Status)

		current, err := s.TransitionTask(ctx, 1, model.StatusCreated, model.StatusRejected)
		require.ErrorIs(t, err, ErrStatusConflict)
		require.NotNil(t, current)
		assert.Equal(t, model.StatusFulfilled, current.Status)

		_, err = s.TransitionTask(ctx, 9, model.StatusCreated, model.StatusRejected)
		require.ErrorIs(t, err, ErrNotFound)

		all, err := s.ListTasks(ctx, TaskFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, int64(1), all[0].ID)

		created := model.StatusCreated
		pending, err := s.ListTasks(ctx, TaskFilter{Status: &created})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, int64(2), pending[0].ID)

		paged, err := s.ListTasks(ctx, TaskFilter{Promoter: &promoter, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, int64(2), paged[0].ID)

		other := common.HexToAddress("0x0000000000000000000000000000000000000009")
		none, err := s.ListTasks(ctx, TaskFilter{Sponsor: &other})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("journal", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		in := newTask("x", 1_000)
		task, err := s.InsertTask(ctx, in, lockEntries(in)...)
		require.NoError(t, err)

		b, err := s.Balances(ctx, tokenA)
		require.NoError(t, err)
		assert.Equal(t, "1010", b.Custody.Dec())
		assert.True(t, b.Protocol.IsZero())

		_, err = s.TransitionTask(ctx, task.ID, model.StatusCreated, model.StatusRejected)
		require.NoError(t, err)
		_, err = s.TransitionTask(ctx, task.ID, model.StatusRejected, model.StatusRefunded,
			model.LedgerEntry{Token: tokenA, Kind: model.EntryRefund, Amount: uint256.NewInt(1_000)})
		require.NoError(t, err)

		b, err = s.Balances(ctx, tokenA)
		require.NoError(t, err)
		assert.Equal(t, "10", b.Custody.Dec())
		assert.Equal(t, "10", b.Protocol.Dec())

		empty, err := s.Balances(ctx, tokenB)
		require.NoError(t, err)
		assert.True(t, empty.Custody.IsZero())

		entries, err := s.LedgerEntries(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, model.EntryRefund, entries[2].Kind)
		assert.Equal(t, task.ID, entries[2].TaskID)
	})

	t.Run("tokens", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		added, err := s.AddToken(ctx, tokenB)
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.AddToken(ctx, tokenA)
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.AddToken(ctx, tokenB)
		require.NoError(t, err)
		assert.False(t, added)

		ok, err := s.HasToken(ctx, tokenA)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.HasToken(ctx, common.Address{})
		require.NoError(t, err)
		assert.False(t, ok)

		tokens, err := s.ListTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, []common.Address{tokenB, tokenA}, tokens)
	})

	t.Run("verifications", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		task, err := s.InsertTask(ctx, newTask("x", 100))
		require.NoError(t, err)

		at := time.Now().UTC().Truncate(time.Millisecond)
		for i, token := range []string{"a", "b"} {
			require.NoError(t, s.PutVerification(ctx, model.Verification{
				CorrelationToken: token,
				TaskID:           task.ID,
				ContentReference: task.ContentReference,
				Requester:        promoter,
				State:            model.VerificationPending,
				RequestedAt:      at.Add(time.Duration(i) * time.Second),
			}))
		}
		require.Error(t, s.PutVerification(ctx, model.Verification{CorrelationToken: "a", TaskID: task.ID, State: model.VerificationPending, RequestedAt: at}))
		require.Error(t, s.PutVerification(ctx, model.Verification{CorrelationToken: "c", TaskID: 99, State: model.VerificationPending, RequestedAt: at}))

		require.NoError(t, s.UpdateVerification(ctx, "a", model.VerificationPending, model.VerificationVerified, at))
		err = s.UpdateVerification(ctx, "a", model.VerificationPending, model.VerificationRejected, at)
		require.True(t, errors.Is(err, ErrStatusConflict), "%+v", err)
		err = s.UpdateVerification(ctx, "zz", model.VerificationPending, model.VerificationRejected, at)
		require.ErrorIs(t, err, ErrNotFound)

		v, err := s.GetVerification(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.VerificationVerified, v.State)
		require.NotNil(t, v.ResolvedAt)
		assert.Equal(t, promoter, v.Requester)

		_, err = s.GetVerification(ctx, "zz")
		require.ErrorIs(t, err, ErrNotFound)

		list, err := s.ListVerifications(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].CorrelationToken)
		assert.Equal(t, model.VerificationPending, list[1].State)
	})
}
