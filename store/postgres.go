package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go-tweetescrow/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
  id BIGINT PRIMARY KEY,
  sponsor TEXT NOT NULL,
  promoter TEXT NOT NULL,
  content_reference TEXT NOT NULL,
  reward_amount NUMERIC(78,0) NOT NULL CHECK (reward_amount > 0),
  fee_amount NUMERIC(78,0) NOT NULL,
  reward_token TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE TABLE IF NOT EXISTS allowed_tokens (
  position BIGSERIAL PRIMARY KEY,
  token TEXT NOT NULL UNIQUE,
  added_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ledger_entries (
  id BIGSERIAL PRIMARY KEY,
  task_id BIGINT NOT NULL REFERENCES tasks(id),
  token TEXT NOT NULL,
  kind TEXT NOT NULL,
  amount NUMERIC(78,0) NOT NULL CHECK (amount >= 0),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_token ON ledger_entries(token);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_task ON ledger_entries(task_id);
CREATE TABLE IF NOT EXISTS verifications (
  correlation_token TEXT PRIMARY KEY,
  task_id BIGINT NOT NULL REFERENCES tasks(id),
  content_reference TEXT NOT NULL,
  requester TEXT NOT NULL,
  state TEXT NOT NULL,
  requested_at TIMESTAMPTZ NOT NULL,
  resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_verifications_task ON verifications(task_id);
`

const taskColumns = `id, sponsor, promoter, content_reference, reward_amount::text, fee_amount::text, reward_token, status, created_at, updated_at`

// Postgres persists escrow state with pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and initializes the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	s := &Postgres{pool: pool}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return s, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                             model.Task
		sponsor, promoter, ref, token string
		reward, fee, status           string
	)
	if err := row.Scan(&t.ID, &sponsor, &promoter, &ref, &reward, &fee, &token, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	t.Sponsor = common.HexToAddress(sponsor)
	t.Promoter = common.HexToAddress(promoter)
	t.ContentReference = common.HexToHash(ref)
	t.RewardToken = common.HexToAddress(token)
	if t.RewardAmount, err = parseAmount(reward); err != nil {
		return nil, err
	}
	if t.FeeAmount, err = parseAmount(fee); err != nil {
		return nil, err
	}
	if t.Status, err = model.ParseStatus(status); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) InsertTask(ctx context.Context, task *model.Task, entries ...model.LedgerEntry) (*model.Task, error) {
	if task == nil {
		return nil, errors.New("nil task")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer tx.Rollback(ctx)

	// Ids are allocated under a table lock so they stay gap-free even when
	// an insert is rolled back.
	if _, err := tx.Exec(ctx, `LOCK TABLE tasks IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, errors.Wrap(err, "lock tasks")
	}
	var id int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM tasks`).Scan(&id); err != nil {
		return nil, errors.Wrap(err, "allocate task id")
	}

	stored, err := scanTask(tx.QueryRow(ctx, `
		INSERT INTO tasks (id, sponsor, promoter, content_reference, reward_amount, fee_amount, reward_token, status)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7, $8)
		RETURNING `+taskColumns,
		id, task.Sponsor.Hex(), task.Promoter.Hex(), task.ContentReference.Hex(),
		task.RewardAmount.Dec(), task.FeeAmount.Dec(), task.RewardToken.Hex(), task.Status.String(),
	))
	if err != nil {
		return nil, errors.Wrap(err, "insert task")
	}
	if err := insertEntries(ctx, tx, id, entries); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit task")
	}
	return stored, nil
}

func insertEntries(ctx context.Context, tx pgx.Tx, taskID int64, entries []model.LedgerEntry) error {
	for _, e := range entries {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (task_id, token, kind, amount, created_at)
			VALUES ($1, $2, $3, $4::text::numeric, $5)`,
			taskID, e.Token.Hex(), string(e.Kind), e.Amount.Dec(), createdAt,
		)
		if err != nil {
			return errors.Wrapf(err, "insert %s entry for task %d", e.Kind, taskID)
		}
	}
	return nil
}

func (s *Postgres) TransitionTask(ctx context.Context, id int64, from, to model.Status, entries ...model.LedgerEntry) (*model.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer tx.Rollback(ctx)

	current, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "task %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load task %d", id)
	}
	if current.Status != from {
		return current, errors.Wrapf(ErrStatusConflict, "task %d is %s, expected %s", id, current.Status, from)
	}

	updated, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING `+taskColumns, id, to.String()))
	if err != nil {
		return nil, errors.Wrapf(err, "update task %d", id)
	}
	if err := insertEntries(ctx, tx, id, entries); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrapf(err, "commit task %d", id)
	}
	return updated, nil
}

func (s *Postgres) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "task %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load task %d", id)
	}
	return t, nil
}

func (s *Postgres) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, filter.Status.String())
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Sponsor != nil {
		args = append(args, filter.Sponsor.Hex())
		where = append(where, fmt.Sprintf("sponsor = $%d", len(args)))
	}
	if filter.Promoter != nil {
		args = append(args, filter.Promoter.Hex())
		where = append(where, fmt.Sprintf("promoter = $%d", len(args)))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, errors.WithStack(rows.Err())
}

func (s *Postgres) AddToken(ctx context.Context, token common.Address) (bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO allowed_tokens (token) VALUES ($1) ON CONFLICT (token) DO NOTHING`, token.Hex())
	if err != nil {
		return false, errors.Wrapf(err, "add token %s", token.Hex())
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) HasToken(ctx context.Context, token common.Address) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM allowed_tokens WHERE token = $1)`, token.Hex()).Scan(&ok)
	return ok, errors.WithStack(err)
}

func (s *Postgres) ListTokens(ctx context.Context) ([]common.Address, error) {
	rows, err := s.pool.Query(ctx, `SELECT token FROM allowed_tokens ORDER BY position`)
	if err != nil {
		return nil, errors.Wrap(err, "list tokens")
	}
	defer rows.Close()
	tokens := []common.Address{}
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, errors.WithStack(err)
		}
		tokens = append(tokens, common.HexToAddress(token))
	}
	return tokens, errors.WithStack(rows.Err())
}

func (s *Postgres) Balances(ctx context.Context, token common.Address) (model.Balances, error) {
	var custody, protocol string
	err := s.pool.QueryRow(ctx, `
		SELECT
		  COALESCE((SELECT SUM(CASE WHEN kind IN ($2, $3, $4) THEN amount ELSE -amount END)
		            FROM ledger_entries WHERE token = $1), 0)::text,
		  COALESCE((SELECT SUM(fee_amount)
		            FROM tasks WHERE reward_token = $1 AND status IN ($5, $6)), 0)::text`,
		token.Hex(), string(model.EntryEscrowLock), string(model.EntryProtocolFee), string(model.EntryReversal),
		model.StatusWithdrawn.String(), model.StatusRefunded.String(),
	).Scan(&custody, &protocol)
	if err != nil {
		return model.Balances{}, errors.Wrapf(err, "balances for %s", token.Hex())
	}
	b := model.Balances{Token: token}
	if b.Custody, err = parseAmount(custody); err != nil {
		return model.Balances{}, err
	}
	if b.Protocol, err = parseAmount(protocol); err != nil {
		return model.Balances{}, err
	}
	return b, nil
}

func (s *Postgres) LedgerEntries(ctx context.Context, taskID int64) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, token, kind, amount::text, created_at
		FROM ledger_entries WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "ledger entries for task %d", taskID)
	}
	defer rows.Close()
	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e                   model.LedgerEntry
			token, amount, kind string
		)
		if err := rows.Scan(&e.TaskID, &token, &kind, &amount, &e.CreatedAt); err != nil {
			return nil, errors.WithStack(err)
		}
		e.Token = common.HexToAddress(token)
		e.Kind = model.EntryKind(kind)
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, errors.WithStack(rows.Err())
}

func (s *Postgres) PutVerification(ctx context.Context, v model.Verification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verifications (correlation_token, task_id, content_reference, requester, state, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.CorrelationToken, v.TaskID, v.ContentReference.Hex(), v.Requester.Hex(), string(v.State), v.RequestedAt,
	)
	return errors.Wrapf(err, "insert verification %s", v.CorrelationToken)
}

const verificationColumns = `correlation_token, task_id, content_reference, requester, state, requested_at, resolved_at`

func scanVerification(row rowScanner) (*model.Verification, error) {
	var (
		v                     model.Verification
		ref, requester, state string
	)
	if err := row.Scan(&v.CorrelationToken, &v.TaskID, &ref, &requester, &state, &v.RequestedAt, &v.ResolvedAt); err != nil {
		return nil, err
	}
	v.ContentReference = common.HexToHash(ref)
	v.Requester = common.HexToAddress(requester)
	v.State = model.VerificationState(state)
	return &v, nil
}

func (s *Postgres) GetVerification(ctx context.Context, correlationToken string) (*model.Verification, error) {
	v, err := scanVerification(s.pool.QueryRow(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE correlation_token = $1`, correlationToken))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "verification %s", correlationToken)
	}
	return v, errors.WithStack(err)
}

func (s *Postgres) UpdateVerification(ctx context.Context, correlationToken string, from, to model.VerificationState, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE verifications SET state = $3, resolved_at = $4
		WHERE correlation_token = $1 AND state = $2`,
		correlationToken, string(from), string(to), at)
	if err != nil {
		return errors.Wrapf(err, "update verification %s", correlationToken)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetVerification(ctx, correlationToken); err != nil {
		return err
	}
	return errors.Wrapf(ErrStatusConflict, "verification %s is no longer %s", correlationToken, from)
}

func (s *Postgres) ListVerifications(ctx context.Context, taskID int64) ([]model.Verification, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE task_id = $1 ORDER BY requested_at`, taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "verifications for task %d", taskID)
	}
	defer rows.Close()
	var out []model.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, *v)
	}
	return out, errors.WithStack(rows.Err())
}
