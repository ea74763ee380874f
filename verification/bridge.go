// Package verification correlates asynchronous oracle verdicts with the tasks
// they were requested for.
package verification

import (
	"context"
	"log"
	"sync"
	"time"

	"go-tweetescrow/escrow"
	"go-tweetescrow/metrics"
	"go-tweetescrow/model"
	"go-tweetescrow/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrUnknownCorrelation = errors.New("unknown correlation token")
	ErrAlreadyResolved    = errors.New("verification already resolved")
	ErrOracleRejected     = errors.New("oracle rejected the verification request")
	ErrInvalidVerdict     = errors.New("invalid verdict")
)

// Oracle accepts verification requests. Implementations must not block on
// the verdict: it arrives later through Bridge.Resolve.
type Oracle interface {
	RequestVerification(ctx context.Context, req model.VerificationRequest) error
}

// TaskResolver is the part of escrow.Engine the bridge drives.
type TaskResolver interface {
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	FulfillTask(ctx context.Context, id int64) (*model.Task, error)
	RejectTask(ctx context.Context, id int64) (*model.Task, error)
}

// Correlations persists verification records.
type Correlations interface {
	PutVerification(ctx context.Context, v model.Verification) error
	GetVerification(ctx context.Context, correlationToken string) (*model.Verification, error)
	UpdateVerification(ctx context.Context, correlationToken string, from, to model.VerificationState, at time.Time) error
	ListVerifications(ctx context.Context, taskID int64) ([]model.Verification, error)
}

type Bridge struct {
	mu     sync.Mutex
	tasks  TaskResolver
	store  Correlations
	oracle Oracle
	now    func() time.Time
}

func NewBridge(tasks TaskResolver, s Correlations, oracle Oracle) *Bridge {
	return &Bridge{
		tasks:  tasks,
		store:  s,
		oracle: oracle,
		now:    time.Now,
	}
}

// Request asks the oracle to verify a Created task on behalf of its promoter
// or sponsor and returns the pending verification.
func (b *Bridge) Request(ctx context.Context, caller common.Address, taskID int64) (*model.Verification, error) {
	task, err := b.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if caller != task.Promoter && caller != task.Sponsor {
		return nil, errors.Wrapf(escrow.ErrUnauthorized, "%s may not request verification of task %d", caller.Hex(), taskID)
	}
	return b.request(ctx, task, caller)
}

// RequestAuto requests verification for a freshly created task without a
// caller check.
func (b *Bridge) RequestAuto(ctx context.Context, task *model.Task) (*model.Verification, error) {
	return b.request(ctx, task, task.Sponsor)
}

// Listener returns an emitter that keeps verifications in step with the
// escrow. A refunded task fails its pending verifications right away. With
// autoVerify, every created task gets a verification request in the
// background.
//
// Emit runs under the engine lock, so nothing here may call back into the
// engine synchronously or take b.mu.
func (b *Bridge) Listener(autoVerify bool) escrow.Emitter {
	return escrow.EmitterFunc(func(e escrow.Event) {
		switch e.Type {
		case escrow.EventTaskCreated:
			if !autoVerify {
				return
			}
			task := e.Task
			go func() {
				if _, err := b.RequestAuto(context.Background(), &task); err != nil {
					log.Printf("[verification] auto request for task %d failed: %v", task.ID, err)
				}
			}()
		case escrow.EventTaskRefunded:
			if _, err := b.ExpirePending(context.Background(), e.Task.ID); err != nil {
				log.Printf("[verification] expiring verifications of task %d failed: %v", e.Task.ID, err)
			}
		}
	})
}

// ExpirePending marks every pending verification of taskID failed and
// reports how many it changed. Verdicts that arrive for them later return
// ErrAlreadyResolved.
func (b *Bridge) ExpirePending(ctx context.Context, taskID int64) (int, error) {
	pending, err := b.Pending(ctx, taskID)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, v := range pending {
		err := b.store.UpdateVerification(ctx, v.CorrelationToken, model.VerificationPending, model.VerificationFailed, b.now())
		if errors.Is(err, store.ErrStatusConflict) {
			// resolved in the meantime
			continue
		}
		if err != nil {
			return expired, errors.Wrapf(err, "expire verification %s", v.CorrelationToken)
		}
		expired++
	}
	if expired > 0 {
		log.Printf("[verification] expired %d pending verification(s) of task %d", expired, taskID)
	}
	return expired, nil
}

func (b *Bridge) request(ctx context.Context, task *model.Task, requester common.Address) (*model.Verification, error) {
	if task.Status != model.StatusCreated {
		return nil, errors.Wrapf(escrow.ErrInvalidState, "task %d is %s", task.ID, task.Status)
	}

	v := model.Verification{
		CorrelationToken: uuid.NewString(),
		TaskID:           task.ID,
		ContentReference: task.ContentReference,
		Requester:        requester,
		State:            model.VerificationPending,
		RequestedAt:      b.now(),
	}
	if err := b.store.PutVerification(ctx, v); err != nil {
		return nil, errors.Wrap(err, "record verification")
	}

	err := b.oracle.RequestVerification(ctx, model.VerificationRequest{
		CorrelationToken: v.CorrelationToken,
		TaskID:           v.TaskID,
		ContentReference: v.ContentReference,
		RequestedAt:      v.RequestedAt,
	})
	if err != nil {
		metrics.VerificationRequests.WithLabelValues("rejected").Inc()
		if uerr := b.store.UpdateVerification(ctx, v.CorrelationToken, model.VerificationPending, model.VerificationFailed, b.now()); uerr != nil {
			log.Printf("[verification] could not mark %s failed: %v", v.CorrelationToken, uerr)
		}
		return nil, errors.Wrapf(ErrOracleRejected, "task %d: %v", task.ID, err)
	}

	metrics.VerificationRequests.WithLabelValues("sent").Inc()
	log.Printf("[verification] requested task=%d token=%s", v.TaskID, v.CorrelationToken)
	return &v, nil
}

// Resolve applies an oracle verdict. Verdicts for tokens that were already
// resolved, or for tasks that have left Created, return ErrAlreadyResolved
// and change nothing.
func (b *Bridge) Resolve(ctx context.Context, correlationToken string, verdict model.Verdict) (*model.Task, error) {
	if !verdict.Valid() {
		metrics.VerificationCallbacks.WithLabelValues("invalid").Inc()
		return nil, errors.Wrapf(ErrInvalidVerdict, "%q", verdict)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	v, err := b.store.GetVerification(ctx, correlationToken)
	if errors.Is(err, store.ErrNotFound) {
		metrics.VerificationCallbacks.WithLabelValues("unknown").Inc()
		return nil, errors.Wrapf(ErrUnknownCorrelation, "%s", correlationToken)
	}
	if err != nil {
		return nil, err
	}
	if v.State != model.VerificationPending {
		metrics.VerificationCallbacks.WithLabelValues("already_resolved").Inc()
		return nil, errors.Wrapf(ErrAlreadyResolved, "%s is %s", correlationToken, v.State)
	}

	var (
		task  *model.Task
		state model.VerificationState
	)
	if verdict == model.VerdictVerified {
		task, err = b.tasks.FulfillTask(ctx, v.TaskID)
		state = model.VerificationVerified
	} else {
		task, err = b.tasks.RejectTask(ctx, v.TaskID)
		state = model.VerificationRejected
	}
	if errors.Is(err, escrow.ErrInvalidState) {
		// another verdict settled the task first
		uerr := b.store.UpdateVerification(ctx, correlationToken, model.VerificationPending, model.VerificationFailed, b.now())
		if uerr != nil && !errors.Is(uerr, store.ErrStatusConflict) {
			return nil, uerr
		}
		metrics.VerificationCallbacks.WithLabelValues("already_resolved").Inc()
		return nil, errors.Wrapf(ErrAlreadyResolved, "task %d: %v", v.TaskID, err)
	}
	if err != nil {
		metrics.VerificationCallbacks.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := b.store.UpdateVerification(ctx, correlationToken, model.VerificationPending, state, b.now()); err != nil {
		return nil, errors.Wrapf(err, "task %d settled but verification %s not updated", task.ID, correlationToken)
	}
	metrics.VerificationCallbacks.WithLabelValues(string(verdict)).Inc()
	log.Printf("[verification] %s resolved task=%d verdict=%s", correlationToken, task.ID, verdict)
	return task, nil
}

func (b *Bridge) Get(ctx context.Context, correlationToken string) (*model.Verification, error) {
	v, err := b.store.GetVerification(ctx, correlationToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrUnknownCorrelation, "%s", correlationToken)
	}
	return v, err
}

// List returns every verification requested for a task, oldest first.
func (b *Bridge) List(ctx context.Context, taskID int64) ([]model.Verification, error) {
	return b.store.ListVerifications(ctx, taskID)
}

// Pending returns the verifications of a task still awaiting a verdict.
func (b *Bridge) Pending(ctx context.Context, taskID int64) ([]model.Verification, error) {
	all, err := b.store.ListVerifications(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pending := make([]model.Verification, 0, len(all))
	for _, v := range all {
		if v.State == model.VerificationPending {
			pending = append(pending, v)
		}
	}
	return pending, nil
}
