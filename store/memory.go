package store

import (
	"context"
	"sync"
	"time"

	"go-tweetescrow/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Memory keeps everything in process behind a single RWMutex so related
// records change together.
type Memory struct {
	mu            sync.RWMutex
	tasks         []*model.Task
	tokens        []common.Address
	tokenSet      map[common.Address]struct{}
	entries       []model.LedgerEntry
	verifications map[string]*model.Verification
	verifOrder    []string
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		tokenSet:      make(map[common.Address]struct{}),
		verifications: make(map[string]*model.Verification),
		now:           time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (m *Memory) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	m.now = now
}

func (m *Memory) InsertTask(_ context.Context, task *model.Task, entries ...model.LedgerEntry) (*model.Task, error) {
	if task == nil {
		return nil, errors.New("nil task")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := task.Clone()
	stored.ID = int64(len(m.tasks)) + 1
	now := m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	m.tasks = append(m.tasks, stored)
	m.appendEntries(stored.ID, now, entries)
	return stored.Clone(), nil
}

func (m *Memory) appendEntries(taskID int64, now time.Time, entries []model.LedgerEntry) {
	for _, e := range entries {
		e.TaskID = taskID
		e.Amount = e.Amount.Clone()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		m.entries = append(m.entries, e)
	}
}

func (m *Memory) task(id int64) (*model.Task, bool) {
	if id < 1 || id > int64(len(m.tasks)) {
		return nil, false
	}
	return m.tasks[id-1], true
}

func (m *Memory) TransitionTask(_ context.Context, id int64, from, to model.Status, entries ...model.LedgerEntry) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.task(id)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "task %d", id)
	}
	if t.Status != from {
		return t.Clone(), errors.Wrapf(ErrStatusConflict, "task %d is %s, expected %s", id, t.Status, from)
	}
	now := m.now()
	t.Status = to
	t.UpdatedAt = now
	m.appendEntries(id, now, entries)
	return t.Clone(), nil
}

func (m *Memory) GetTask(_ context.Context, id int64) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.task(id)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "task %d", id)
	}
	return t.Clone(), nil
}

func (m *Memory) ListTasks(_ context.Context, filter TaskFilter) ([]model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if matches(t, filter) {
			tasks = append(tasks, *t.Clone())
		}
	}
	return page(tasks, filter.Limit, filter.Offset), nil
}

func (m *Memory) AddToken(_ context.Context, token common.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokenSet[token]; ok {
		return false, nil
	}
	m.tokenSet[token] = struct{}{}
	m.tokens = append(m.tokens, token)
	return true, nil
}

func (m *Memory) HasToken(_ context.Context, token common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tokenSet[token]
	return ok, nil
}

func (m *Memory) ListTokens(_ context.Context) ([]common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]common.Address(nil), m.tokens...), nil
}

func (m *Memory) Balances(_ context.Context, token common.Address) (model.Balances, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	credits, debits := new(uint256.Int), new(uint256.Int)
	for _, e := range m.entries {
		if e.Token != token {
			continue
		}
		if e.Kind.Credit() {
			credits.Add(credits, e.Amount)
		} else {
			debits.Add(debits, e.Amount)
		}
	}
	if debits.Gt(credits) {
		return model.Balances{}, errors.Errorf("custody journal for %s is negative", token.Hex())
	}
	fees := new(uint256.Int)
	for _, t := range m.tasks {
		if t.RewardToken == token && t.Status.Terminal() {
			fees.Add(fees, t.FeeAmount)
		}
	}
	return model.Balances{
		Token:    token,
		Custody:  new(uint256.Int).Sub(credits, debits),
		Protocol: fees,
	}, nil
}

func (m *Memory) LedgerEntries(_ context.Context, taskID int64) ([]model.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.LedgerEntry
	for _, e := range m.entries {
		if e.TaskID == taskID {
			e.Amount = e.Amount.Clone()
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) PutVerification(_ context.Context, v model.Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.task(v.TaskID); !ok {
		return errors.Wrapf(ErrNotFound, "task %d", v.TaskID)
	}
	if _, exists := m.verifications[v.CorrelationToken]; exists {
		return errors.Errorf("correlation token %s already recorded", v.CorrelationToken)
	}
	m.verifications[v.CorrelationToken] = &v
	m.verifOrder = append(m.verifOrder, v.CorrelationToken)
	return nil
}

func (m *Memory) GetVerification(_ context.Context, correlationToken string) (*model.Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.verifications[correlationToken]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "verification %s", correlationToken)
	}
	clone := *v
	return &clone, nil
}

func (m *Memory) UpdateVerification(_ context.Context, correlationToken string, from, to model.VerificationState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[correlationToken]
	if !ok {
		return errors.Wrapf(ErrNotFound, "verification %s", correlationToken)
	}
	if v.State != from {
		return errors.Wrapf(ErrStatusConflict, "verification %s is %s", correlationToken, v.State)
	}
	v.State = to
	v.ResolvedAt = &at
	return nil
}

func (m *Memory) ListVerifications(_ context.Context, taskID int64) ([]model.Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Verification
	for _, token := range m.verifOrder {
		if v := m.verifications[token]; v.TaskID == taskID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *Memory) Close() {}
