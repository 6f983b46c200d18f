package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/referral/referral/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repo {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const taskCols = `id, short_id, action, context_uid, object_uids, status, attempts, last_error, run_after, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.ShortID, &t.Action, &t.ContextUID, &t.ObjectUIDs,
		&t.Status, &t.Attempts, &t.LastError, &t.RunAfter, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

// Enqueue relies on the partial unique index on (action, context_uid) for
// queued rows, so two concurrent enqueues of the same work coalesce at the
// storage level.
func (r *repoPG) Enqueue(ctx context.Context, task *Task) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO queue_task (id, short_id, action, context_uid, object_uids, status, attempts, last_error, run_after, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (action, context_uid) WHERE status = 'queued' DO NOTHING`,
		task.ID, task.ShortID, task.Action, task.ContextUID, task.ObjectUIDs,
		task.Status, task.Attempts, task.LastError, task.RunAfter, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Claim(ctx context.Context, limit int) ([]*Task, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE queue_task SET status = 'running', attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM queue_task
			WHERE status = 'queued' AND run_after <= NOW()
			ORDER BY run_after ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskCols, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *repoPG) Requeue(ctx context.Context, id uuid.UUID, remaining []uuid.UUID, runAfter time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE queue_task SET status = 'queued', object_uids = $2, run_after = $3, updated_at = NOW()
		WHERE id = $1`, id, remaining, runAfter)
	return err
}

func (r *repoPG) MarkDone(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE queue_task SET status = 'done', last_error = '', updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *repoPG) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE queue_task SET status = 'failed', last_error = $2, updated_at = NOW() WHERE id = $1`, id, reason)
	return err
}

func (r *repoPG) IsQueued(ctx context.Context, action string, contextUID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM queue_task
			WHERE action = $1 AND context_uid = $2 AND status IN ('queued','running')
		)`, action, contextUID).Scan(&exists)
	return exists, err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Task, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM queue_task`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+taskCols+` FROM queue_task ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}
