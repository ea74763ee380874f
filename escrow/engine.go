// Package escrow holds sponsor deposits for tweet promotion tasks and
// releases them once the task has been verified.
//
// All mutations go through Engine, which serializes them. Funds move through
// a ledger.AssetLedger; the store keeps the task records and a custody
// journal from which custody and protocol fee balances are derived.
package escrow

import (
	"context"
	"log"
	"sync"
	"time"

	"go-tweetescrow/ledger"
	"go-tweetescrow/model"
	"go-tweetescrow/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

const (
	// DefaultFeeBps is 1% of the reward.
	DefaultFeeBps  = 100
	bpsDenominator = 10_000
)

type Engine struct {
	mu          sync.Mutex
	store       store.Store
	assets      ledger.AssetLedger
	owner       common.Address
	feeBps      uint64
	refundAfter time.Duration
	emitter     Emitter
	nowFn       func() time.Time
}

type Option func(*Engine)

func WithFeeBps(bps uint64) Option {
	return func(e *Engine) { e.feeBps = bps }
}

// WithRefundAfter lets a sponsor reclaim a task that is still Created after d.
// Zero disables the stale refund path.
func WithRefundAfter(d time.Duration) Option {
	return func(e *Engine) { e.refundAfter = d }
}

func WithEmitter(emitter Emitter) Option {
	return func(e *Engine) {
		if emitter == nil {
			emitter = NoopEmitter{}
		}
		e.emitter = emitter
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(e *Engine) {
		if now == nil {
			now = time.Now
		}
		e.nowFn = now
	}
}

func NewEngine(s store.Store, assets ledger.AssetLedger, owner common.Address, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		assets:  assets,
		owner:   owner,
		feeBps:  DefaultFeeBps,
		emitter: NoopEmitter{},
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Owner() common.Address { return e.owner }

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) emit(t EventType, task *model.Task) {
	e.emitter.Emit(Event{Type: t, Task: *task.Clone(), At: e.now()})
}

// Fee returns reward * feeBps / 10000, truncated.
func (e *Engine) Fee(reward *uint256.Int) (*uint256.Int, error) {
	fee, overflow := new(uint256.Int).MulDivOverflow(reward, uint256.NewInt(e.feeBps), uint256.NewInt(bpsDenominator))
	if overflow {
		return nil, errors.Wrap(ErrInvalidArgument, "fee overflows")
	}
	return fee, nil
}

// RequireOwner fails with ErrUnauthorized unless caller is the owner.
func (e *Engine) RequireOwner(caller common.Address) error {
	if caller != e.owner {
		return errors.Wrapf(ErrUnauthorized, "%s is not the owner", caller.Hex())
	}
	return nil
}

func (e *Engine) pull(ctx context.Context, token, from common.Address, amount *uint256.Int) error {
	if err := e.assets.TransferFrom(ctx, token, from, e.assets.Custody(), amount); err != nil {
		return errors.Wrapf(ErrTransferFailed, "pull %s of %s from %s: %v", amount.Dec(), token.Hex(), from.Hex(), err)
	}
	return nil
}

func (e *Engine) release(ctx context.Context, token, to common.Address, amount *uint256.Int) error {
	if err := e.assets.Transfer(ctx, token, to, amount); err != nil {
		return errors.Wrapf(ErrTransferFailed, "release %s of %s to %s: %v", amount.Dec(), token.Hex(), to.Hex(), err)
	}
	return nil
}

func (e *Engine) getTask(ctx context.Context, id int64) (*model.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "task %d", id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func logf(format string, args ...any) {
	log.Printf("[escrow] "+format, args...)
}
