package escrow

import (
	"context"

	"go-tweetescrow/metrics"
	"go-tweetescrow/model"
	"go-tweetescrow/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

type CreateTaskInput struct {
	Promoter         common.Address
	ContentReference common.Hash
	RewardAmount     *uint256.Int
	RewardToken      common.Address
}

func (in CreateTaskInput) validate() error {
	if in.Promoter == (common.Address{}) {
		return errors.Wrap(ErrInvalidArgument, "promoter is required")
	}
	if in.ContentReference == (common.Hash{}) {
		return errors.Wrap(ErrInvalidArgument, "content reference is required")
	}
	if in.RewardAmount == nil || in.RewardAmount.IsZero() {
		return errors.Wrap(ErrInvalidArgument, "reward must be positive")
	}
	return nil
}

// CreateTask pulls reward plus fee from sponsor into custody and records the
// task. Either both happen or neither does.
func (e *Engine) CreateTask(ctx context.Context, sponsor common.Address, in CreateTaskInput) (*model.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	fee, err := e.Fee(in.RewardAmount)
	if err != nil {
		return nil, err
	}
	deposit, overflow := new(uint256.Int).AddOverflow(in.RewardAmount, fee)
	if overflow {
		return nil, errors.Wrap(ErrInvalidArgument, "reward plus fee overflows")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	allowed, err := e.store.HasToken(ctx, in.RewardToken)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.Wrapf(ErrTokenNotAllowed, "token %s", in.RewardToken.Hex())
	}

	if err := e.pull(ctx, in.RewardToken, sponsor, deposit); err != nil {
		return nil, err
	}

	now := e.now()
	task := &model.Task{
		Sponsor:          sponsor,
		Promoter:         in.Promoter,
		ContentReference: in.ContentReference,
		RewardAmount:     in.RewardAmount.Clone(),
		FeeAmount:        fee,
		RewardToken:      in.RewardToken,
		Status:           model.StatusCreated,
		CreatedAt:        now,
	}
	stored, err := e.store.InsertTask(ctx, task,
		model.LedgerEntry{Token: in.RewardToken, Kind: model.EntryEscrowLock, Amount: in.RewardAmount.Clone(), CreatedAt: now},
		model.LedgerEntry{Token: in.RewardToken, Kind: model.EntryProtocolFee, Amount: fee.Clone(), CreatedAt: now},
	)
	if err != nil {
		if rerr := e.release(ctx, in.RewardToken, sponsor, deposit); rerr != nil {
			logf("CRITICAL: could not return %s of %s to %s after failed insert: %v", deposit.Dec(), in.RewardToken.Hex(), sponsor.Hex(), rerr)
		}
		return nil, errors.Wrap(err, "persist task")
	}

	metrics.TasksCreated.WithLabelValues(stored.RewardToken.Hex()).Inc()
	logf("task %d created sponsor=%s promoter=%s reward=%s fee=%s token=%s",
		stored.ID, stored.Sponsor.Hex(), stored.Promoter.Hex(), stored.RewardAmount.Dec(), stored.FeeAmount.Dec(), stored.RewardToken.Hex())
	e.emit(EventTaskCreated, stored)
	return stored, nil
}

// FulfillTask moves a Created task to Fulfilled. Only the verification bridge
// and trusted local flows call it.
func (e *Engine) FulfillTask(ctx context.Context, id int64) (*model.Task, error) {
	return e.settle(ctx, id, model.StatusFulfilled)
}

// RejectTask moves a Created task to Rejected.
func (e *Engine) RejectTask(ctx context.Context, id int64) (*model.Task, error) {
	return e.settle(ctx, id, model.StatusRejected)
}

func (e *Engine) settle(ctx context.Context, id int64, to model.Status) (*model.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.store.TransitionTask(ctx, id, model.StatusCreated, to)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, errors.Wrapf(ErrNotFound, "task %d", id)
	case errors.Is(err, store.ErrStatusConflict):
		return nil, errors.Wrapf(ErrInvalidState, "task %d is %s", id, t.Status)
	case err != nil:
		return nil, err
	}
	e.transitioned(t)
	return t, nil
}

func (e *Engine) transitioned(t *model.Task) {
	metrics.TaskTransitions.WithLabelValues(t.Status.String()).Inc()
	logf("task %d is now %s", t.ID, t.Status)
	e.emit(eventFor(t.Status), t)
}

// WithdrawReward pays the reward of a Fulfilled task to its promoter. The fee
// stays in custody.
func (e *Engine) WithdrawReward(ctx context.Context, caller common.Address, id int64) (*model.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != t.Promoter {
		metrics.Withdrawals.WithLabelValues("not_promoter").Inc()
		return nil, ErrNotPromoter
	}
	if t.Status != model.StatusFulfilled {
		metrics.Withdrawals.WithLabelValues("not_fulfilled").Inc()
		return nil, ErrNotFulfilled
	}

	updated, err := e.payout(ctx, t, model.StatusFulfilled, model.StatusWithdrawn, model.EntryRewardRelease, t.Promoter)
	if errors.Is(err, store.ErrStatusConflict) {
		metrics.Withdrawals.WithLabelValues("not_fulfilled").Inc()
		return nil, ErrNotFulfilled
	}
	if err != nil {
		metrics.Withdrawals.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.Withdrawals.WithLabelValues("ok").Inc()
	return updated, nil
}

// RefundTask returns the reward of a Rejected task, or of a task still
// pending verification past the refund window, to its sponsor. The fee is
// never refunded.
func (e *Engine) RefundTask(ctx context.Context, caller common.Address, id int64) (*model.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != t.Sponsor {
		return nil, ErrNotSponsor
	}
	switch {
	case t.Status == model.StatusRejected:
	case t.Status == model.StatusCreated && e.refundAfter > 0 && e.now().Sub(t.CreatedAt) >= e.refundAfter:
	default:
		return nil, errors.Wrapf(ErrInvalidState, "task %d cannot be refunded from status %s", id, t.Status)
	}

	updated, err := e.payout(ctx, t, t.Status, model.StatusRefunded, model.EntryRefund, t.Sponsor)
	if errors.Is(err, store.ErrStatusConflict) {
		return nil, errors.Wrapf(ErrInvalidState, "task %d changed status concurrently", id)
	}
	return updated, err
}

// payout records the transition first so a concurrent caller cannot pay the
// same reward twice, then moves the funds. A failed transfer reverts the
// transition with a compensating journal entry.
//
// Until the transfer returns, readers can see the task in its final status
// with the funds still in custody. The store transition is the only guard
// shared by every process on the same database, so it stays first.
func (e *Engine) payout(ctx context.Context, t *model.Task, from, to model.Status, kind model.EntryKind, recipient common.Address) (*model.Task, error) {
	updated, err := e.store.TransitionTask(ctx, t.ID, from, to,
		model.LedgerEntry{Token: t.RewardToken, Kind: kind, Amount: t.RewardAmount.Clone(), CreatedAt: e.now()},
	)
	if err != nil {
		return nil, err
	}

	if err := e.release(ctx, t.RewardToken, recipient, t.RewardAmount); err != nil {
		_, rerr := e.store.TransitionTask(ctx, t.ID, to, from,
			model.LedgerEntry{Token: t.RewardToken, Kind: model.EntryReversal, Amount: t.RewardAmount.Clone(), CreatedAt: e.now()},
		)
		if rerr != nil {
			logf("CRITICAL: task %d left %s after failed payout: %v", t.ID, to, rerr)
		}
		return nil, err
	}

	e.transitioned(updated)
	return updated, nil
}

func (e *Engine) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	return e.getTask(ctx, id)
}

// ListTasks returns tasks in creation order, in every state.
func (e *Engine) ListTasks(ctx context.Context, filter store.TaskFilter) ([]model.Task, error) {
	return e.store.ListTasks(ctx, filter)
}
