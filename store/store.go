// Package store persists tasks, the token allowlist, the custody journal and
// verification correlations.
package store

import (
	"context"
	"time"

	"go-tweetescrow/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStatusConflict = errors.New("status conflict")
)

type TaskFilter struct {
	Status   *model.Status
	Sponsor  *common.Address
	Promoter *common.Address
	Limit    int
	Offset   int
}

// Store is implemented by Memory and Postgres. Every method is atomic: a
// failing call leaves no partial state behind.
type Store interface {
	// InsertTask allocates the next id, stores the task and appends the
	// given journal entries stamped with that id.
	InsertTask(ctx context.Context, task *model.Task, entries ...model.LedgerEntry) (*model.Task, error)
	// TransitionTask moves a task from one status to another and appends
	// entries. When the task is not in status from, the current task is
	// returned together with ErrStatusConflict.
	TransitionTask(ctx context.Context, id int64, from, to model.Status, entries ...model.LedgerEntry) (*model.Task, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error)

	AddToken(ctx context.Context, token common.Address) (bool, error)
	HasToken(ctx context.Context, token common.Address) (bool, error)
	ListTokens(ctx context.Context) ([]common.Address, error)

	Balances(ctx context.Context, token common.Address) (model.Balances, error)
	LedgerEntries(ctx context.Context, taskID int64) ([]model.LedgerEntry, error)

	PutVerification(ctx context.Context, v model.Verification) error
	GetVerification(ctx context.Context, correlationToken string) (*model.Verification, error)
	UpdateVerification(ctx context.Context, correlationToken string, from, to model.VerificationState, at time.Time) error
	ListVerifications(ctx context.Context, taskID int64) ([]model.Verification, error)

	Close()
}

func matches(t *model.Task, f TaskFilter) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Sponsor != nil && t.Sponsor != *f.Sponsor {
		return false
	}
	if f.Promoter != nil && t.Promoter != *f.Promoter {
		return false
	}
	return true
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func parseAmount(v string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "parse amount %q", v)
	}
	return amount, nil
}
