package sample

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/referral/referral/internal/platform/db"
)

// ErrNotFound is returned when no sample or analysis matches.
var ErrNotFound = errors.New("sample not found")

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

const sampleCols = `id, client_sample_id, sample_type, priority, date_sampled, status,
	inbound_shipment_uid, outbound_shipment_uid, invalidated_by, created_at, updated_at`

func scanSample(row pgx.Row) (*Sample, error) {
	var s Sample
	err := row.Scan(&s.ID, &s.ClientSampleID, &s.SampleType, &s.Priority, &s.DateSampled, &s.Status,
		&s.InboundShipmentUID, &s.OutboundShipmentUID, &s.InvalidatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) Create(ctx context.Context, s *Sample) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sample (id, client_sample_id, sample_type, priority, date_sampled, status,
			inbound_shipment_uid, outbound_shipment_uid, invalidated_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())`,
		s.ID, s.ClientSampleID, s.SampleType, s.Priority, s.DateSampled, s.Status,
		s.InboundShipmentUID, s.OutboundShipmentUID, s.InvalidatedBy)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Sample, error) {
	return scanSample(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sampleCols+` FROM sample WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, s *Sample) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sample
		SET sample_type = $2, priority = $3, date_sampled = $4, status = $5,
		    outbound_shipment_uid = $6, invalidated_by = $7, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.SampleType, s.Priority, s.DateSampled, s.Status,
		s.OutboundShipmentUID, s.InvalidatedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Sample, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM sample`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+sampleCols+` FROM sample ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	samples, err := collectSamples(rows)
	return samples, total, err
}

func (r *repoPG) ListByOutboundShipment(ctx context.Context, shipmentUID uuid.UUID) ([]*Sample, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+sampleCols+` FROM sample WHERE outbound_shipment_uid = $1 ORDER BY created_at ASC`, shipmentUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSamples(rows)
}

func (r *repoPG) ListByClientSampleID(ctx context.Context, clientSampleID string) ([]*Sample, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+sampleCols+` FROM sample WHERE client_sample_id = $1 ORDER BY created_at ASC`, clientSampleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSamples(rows)
}

func collectSamples(rows pgx.Rows) ([]*Sample, error) {
	var out []*Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const analysisCols = `id, sample_uid, keyword, status, result, result_date,
	reference_instrument, reference_method, reference_analysts, reference_verifiers, created_at, updated_at`

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var a Analysis
	err := row.Scan(&a.ID, &a.SampleUID, &a.Keyword, &a.Status, &a.Result, &a.ResultDate,
		&a.ReferenceInstrument, &a.ReferenceMethod, &a.ReferenceAnalysts, &a.ReferenceVerifiers,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) CreateAnalysis(ctx context.Context, a *Analysis) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO analysis (id, sample_uid, keyword, status, result, result_date,
			reference_instrument, reference_method, reference_analysts, reference_verifiers, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())`,
		a.ID, a.SampleUID, a.Keyword, a.Status, a.Result, a.ResultDate,
		a.ReferenceInstrument, a.ReferenceMethod, a.ReferenceAnalysts, a.ReferenceVerifiers)
	return err
}

func (r *repoPG) UpdateAnalysis(ctx context.Context, a *Analysis) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE analysis
		SET status = $2, result = $3, result_date = $4, reference_instrument = $5,
		    reference_method = $6, reference_analysts = $7, reference_verifiers = $8, updated_at = NOW()
		WHERE id = $1`,
		a.ID, a.Status, a.Result, a.ResultDate, a.ReferenceInstrument,
		a.ReferenceMethod, a.ReferenceAnalysts, a.ReferenceVerifiers)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListAnalyses(ctx context.Context, sampleUID uuid.UUID) ([]*Analysis, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+analysisCols+` FROM analysis WHERE sample_uid = $1 ORDER BY keyword ASC`, sampleUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
