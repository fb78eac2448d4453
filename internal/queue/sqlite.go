package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"sendflow/internal/domain"
)

var ErrEmpty = errors.New("no tasks ready")

// EnsureSchema creates the task table if it doesn't exist. Timestamps are
// unix milliseconds so delay comparisons stay exact across drivers.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  payload BLOB NOT NULL,
  grp TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed')) DEFAULT 'queued',
  next_run_at INTEGER NOT NULL,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  delete_on_complete INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, next_run_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
`
	_, err := db.Exec(schema)
	return err
}

// Options control a single enqueue. The zero value means: due now, no rate
// group, no dedupe, keep the row after completion.
type Options struct {
	Delay             time.Duration
	Group             string
	IdempotencyKey    string
	DeleteOnComplete  bool
	VisibilityTimeout int // seconds, defaults to 60
}

// Repository is the durable at-least-once task queue. There is no automatic
// retry: a failed handler marks the task failed and idempotent re-entry is
// the data layer's job.
type Repository interface {
	Enqueue(ctx context.Context, kind string, payload []byte, opt Options) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Task, error)
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, errStr string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Enqueue(ctx context.Context, kind string, payload []byte, opt Options) (string, error) {
	if payload == nil {
		payload = []byte("{}")
	}
	if opt.VisibilityTimeout == 0 {
		opt.VisibilityTimeout = 60
	}

	var idem any
	if opt.IdempotencyKey != "" {
		idem = opt.IdempotencyKey
	}

	// Dedupe by idempotency key rides on the partial unique index: the
	// conditional insert is atomic, so concurrent enqueues with the same key
	// all resolve to one row instead of racing a constraint error.
	id := "tsk_" + uuid.NewString()
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,kind,payload,grp,state,next_run_at,visibility_timeout,idempotency_key,delete_on_complete,created_at,updated_at)
VALUES (?,?,?,?,'queued',?,?,?,?,?,?)
ON CONFLICT(idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
`, id, kind, payload, opt.Group, now.Add(opt.Delay).UnixMilli(), opt.VisibilityTimeout, idem, opt.DeleteOnComplete, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", err
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n == 0 {
		// Lost the dedupe race; hand back the winner's id.
		var existingID string
		err := r.db.QueryRowContext(ctx,
			"SELECT id FROM tasks WHERE idempotency_key = ?", opt.IdempotencyKey).Scan(&existingID)
		return existingID, err
	}
	return id, nil
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Task, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,kind,payload,grp,state,next_run_at,visibility_timeout,idempotency_key,delete_on_complete,error,created_at,updated_at
FROM tasks
WHERE state='queued' AND next_run_at <= ?
ORDER BY next_run_at ASC, created_at ASC
LIMIT 1
`, now.UnixMilli())
	var t domain.Task
	t, err = scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		_ = tx.Rollback()
		return domain.Task{}, ErrEmpty
	}
	if err != nil {
		return domain.Task{}, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET state='running', updated_at=? WHERE id=?`, now.UnixMilli(), t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.State = domain.TaskRunning
	return t, nil
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND delete_on_complete=1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = r.db.ExecContext(ctx, `UPDATE tasks SET state='succeeded', updated_at=? WHERE id=?`, time.Now().UnixMilli(), id)
	return err
}

func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tasks SET state='failed', error=?, updated_at=? WHERE id=?`, errStr, time.Now().UnixMilli(), id)
	return err
}

// RecoverStale requeues running tasks whose lease has expired, e.g. after a
// crash mid-handler. This is what makes delivery at-least-once.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='queued', next_run_at=?, updated_at=?
WHERE state='running' AND updated_at + visibility_timeout*1000 < ?`,
		now.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,kind,payload,grp,state,next_run_at,visibility_timeout,idempotency_key,delete_on_complete,error,created_at,updated_at
FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var idem sql.NullString
	var nextRun, created, updated int64
	if err := row.Scan(&t.ID, &t.Kind, &t.Payload, &t.Group, &t.State, &nextRun, &t.VisibilityTimeout, &idem, &t.DeleteOnComplete, &t.Error, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	t.NextRunAt = time.UnixMilli(nextRun)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return t, nil
}
