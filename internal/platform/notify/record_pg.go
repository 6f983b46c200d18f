package notify

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

type recordStorePG struct{ pool *pgxpool.Pool }

func NewRecordStorePG(pool *pgxpool.Pool) RecordStore {
	return &recordStorePG{pool: pool}
}

func (r *recordStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recordCols = `id, object_uid, url, payload, status_code, reason, response_body, message, success, sent_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.ObjectUID, &rec.URL, &rec.Payload, &rec.StatusCode,
		&rec.Reason, &rec.ResponseBody, &rec.Message, &rec.Success, &rec.SentAt)
	return &rec, err
}

func (r *recordStorePG) Append(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO notification_record (id, object_uid, url, payload, status_code, reason, response_body, message, success, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.ObjectUID, rec.URL, rec.Payload, rec.StatusCode,
		rec.Reason, rec.ResponseBody, rec.Message, rec.Success, rec.SentAt)
	return err
}

func (r *recordStorePG) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM notification_record WHERE id = $1`, id))
}

func (r *recordStorePG) ListByObject(ctx context.Context, objectUID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_record WHERE object_uid = $1`, objectUID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM notification_record WHERE object_uid = $1 ORDER BY seq ASC LIMIT $2 OFFSET $3`,
		objectUID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *recordStorePG) LastByObject(ctx context.Context, objectUID uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM notification_record WHERE object_uid = $1 ORDER BY seq DESC LIMIT 1`, objectUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
