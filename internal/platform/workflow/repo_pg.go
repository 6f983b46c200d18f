package workflow

import (
	"context"
	"errors"

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

type eventRepoPG struct{ pool *pgxpool.Pool }

func NewEventRepoPG(pool *pgxpool.Pool) EventRepository {
	return &eventRepoPG{pool: pool}
}

func (r *eventRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *eventRepoPG) Append(ctx context.Context, ev *Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO workflow_event (id, object_uid, action, from_state, to_state, forced, actor, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.ID, ev.ObjectUID, ev.Action, ev.From, ev.To, ev.Forced, ev.Actor, ev.At)
	return err
}

const eventCols = `id, object_uid, action, from_state, to_state, forced, actor, at`

func scanEvent(row pgx.Row) (*Event, error) {
	var ev Event
	err := row.Scan(&ev.ID, &ev.ObjectUID, &ev.Action, &ev.From, &ev.To, &ev.Forced, &ev.Actor, &ev.At)
	return &ev, err
}

// ListByObject returns the full review history, oldest first. Ordering is by
// insertion sequence, not timestamp, so retries under clock skew keep their
// append order.
func (r *eventRepoPG) ListByObject(ctx context.Context, objectUID uuid.UUID) ([]Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+eventCols+` FROM workflow_event WHERE object_uid = $1 ORDER BY seq ASC`, objectUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func (r *eventRepoPG) LastByObject(ctx context.Context, objectUID uuid.UUID) (*Event, error) {
	ev, err := scanEvent(r.conn(ctx).QueryRow(ctx,
		`SELECT `+eventCols+` FROM workflow_event WHERE object_uid = $1 ORDER BY seq DESC LIMIT 1`, objectUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}
