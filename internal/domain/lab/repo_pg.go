package lab

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/referral/referral/internal/platform/db"
)

// ErrNotFound is returned when no laboratory matches.
var ErrNotFound = errors.New("laboratory not found")

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
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

const labCols = `id, code, title, description, active, referring, reference, url, username, password, created_at, updated_at`

func scanLab(row pgx.Row) (*Laboratory, error) {
	var l Laboratory
	err := row.Scan(&l.ID, &l.Code, &l.Title, &l.Description, &l.Active,
		&l.Referring, &l.Reference, &l.URL, &l.Username, &l.Password,
		&l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *repoPG) Create(ctx context.Context, l *Laboratory) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO external_laboratory (id, code, title, description, active, referring, reference, url, username, password, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())`,
		l.ID, l.Code, l.Title, l.Description, l.Active, l.Referring, l.Reference,
		l.URL, l.Username, l.Password)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Laboratory, error) {
	return scanLab(r.conn(ctx).QueryRow(ctx,
		`SELECT `+labCols+` FROM external_laboratory WHERE id = $1`, id))
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Laboratory, error) {
	return scanLab(r.conn(ctx).QueryRow(ctx,
		`SELECT `+labCols+` FROM external_laboratory WHERE code = $1`, code))
}

func (r *repoPG) Update(ctx context.Context, l *Laboratory) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE external_laboratory
		SET title = $2, description = $3, active = $4, referring = $5, reference = $6,
		    url = $7, username = $8, password = $9, updated_at = NOW()
		WHERE id = $1`,
		l.ID, l.Title, l.Description, l.Active, l.Referring, l.Reference,
		l.URL, l.Username, l.Password)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Laboratory, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM external_laboratory`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+labCols+` FROM external_laboratory ORDER BY code ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var labs []*Laboratory
	for rows.Next() {
		l, err := scanLab(rows)
		if err != nil {
			return nil, 0, err
		}
		labs = append(labs, l)
	}
	return labs, total, rows.Err()
}

func (r *repoPG) AddMapping(ctx context.Context, m *Mapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_mapping (id, lab_id, kind, remote_text, local_key, created_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (lab_id, kind, remote_text) DO UPDATE SET local_key = EXCLUDED.local_key`,
		m.ID, m.LabID, m.Kind, m.RemoteText, m.LocalKey)
	return err
}

func (r *repoPG) DeleteMapping(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_mapping WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListMappings(ctx context.Context, labID uuid.UUID) ([]*Mapping, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, lab_id, kind, remote_text, local_key, created_at
		FROM lab_mapping WHERE lab_id = $1 ORDER BY kind, remote_text`, labID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.ID, &m.LabID, &m.Kind, &m.RemoteText, &m.LocalKey, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *repoPG) ResolveMapping(ctx context.Context, labID uuid.UUID, kind, remoteText string) (string, error) {
	var local string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT local_key FROM lab_mapping
		WHERE lab_id = $1 AND kind = $2 AND remote_text = $3`,
		labID, kind, remoteText).Scan(&local)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return local, err
}
