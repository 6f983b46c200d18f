package shipment

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

// isUniqueViolation reports whether the error is a Postgres unique index
// violation. The unique indexes are what close the duplicate-creation races.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- outbound ----

const outboundCols = `id, shipment_id, lab_uid, status, comments, manifest_ref,
	dispatched_at, delivered_at, rejected_at, lost_at, cancelled_at, created_at, updated_at`

func scanOutbound(row pgx.Row) (*OutboundShipment, error) {
	var s OutboundShipment
	err := row.Scan(&s.ID, &s.ShipmentID, &s.LabUID, &s.Status, &s.Comments, &s.ManifestRef,
		&s.DispatchedAt, &s.DeliveredAt, &s.RejectedAt, &s.LostAt, &s.CancelledAt,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) CreateOutbound(ctx context.Context, s *OutboundShipment) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO outbound_shipment (id, shipment_id, lab_uid, status, comments, manifest_ref,
			dispatched_at, delivered_at, rejected_at, lost_at, cancelled_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())`,
		s.ID, s.ShipmentID, s.LabUID, s.Status, s.Comments, s.ManifestRef,
		s.DispatchedAt, s.DeliveredAt, s.RejectedAt, s.LostAt, s.CancelledAt)
	return err
}

func (r *repoPG) GetOutbound(ctx context.Context, id uuid.UUID) (*OutboundShipment, error) {
	return scanOutbound(r.conn(ctx).QueryRow(ctx,
		`SELECT `+outboundCols+` FROM outbound_shipment WHERE id = $1`, id))
}

func (r *repoPG) GetOutboundByShipmentID(ctx context.Context, shipmentID string, labUID uuid.UUID) (*OutboundShipment, error) {
	return scanOutbound(r.conn(ctx).QueryRow(ctx,
		`SELECT `+outboundCols+` FROM outbound_shipment WHERE shipment_id = $1 AND lab_uid = $2`,
		shipmentID, labUID))
}

func (r *repoPG) UpdateOutbound(ctx context.Context, s *OutboundShipment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE outbound_shipment
		SET status = $2, comments = $3, manifest_ref = $4, dispatched_at = $5,
		    delivered_at = $6, rejected_at = $7, lost_at = $8, cancelled_at = $9, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.Status, s.Comments, s.ManifestRef, s.DispatchedAt,
		s.DeliveredAt, s.RejectedAt, s.LostAt, s.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListOutbound(ctx context.Context, limit, offset int) ([]*OutboundShipment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM outbound_shipment`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+outboundCols+` FROM outbound_shipment ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*OutboundShipment
	for rows.Next() {
		s, err := scanOutbound(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// ---- inbound ----

const inboundCols = `id, shipment_id, lab_uid, status, dispatched_at, comments, created_at, updated_at`

func scanInbound(row pgx.Row) (*InboundShipment, error) {
	var s InboundShipment
	err := row.Scan(&s.ID, &s.ShipmentID, &s.LabUID, &s.Status, &s.DispatchedAt, &s.Comments,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) CreateInbound(ctx context.Context, s *InboundShipment) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO inbound_shipment (id, shipment_id, lab_uid, status, dispatched_at, comments, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())`,
		s.ID, s.ShipmentID, s.LabUID, s.Status, s.DispatchedAt, s.Comments)
	if isUniqueViolation(err) {
		return ErrDuplicateShipment
	}
	return err
}

func (r *repoPG) GetInbound(ctx context.Context, id uuid.UUID) (*InboundShipment, error) {
	return scanInbound(r.conn(ctx).QueryRow(ctx,
		`SELECT `+inboundCols+` FROM inbound_shipment WHERE id = $1`, id))
}

func (r *repoPG) GetInboundByShipmentID(ctx context.Context, shipmentID string, labUID uuid.UUID) (*InboundShipment, error) {
	return scanInbound(r.conn(ctx).QueryRow(ctx,
		`SELECT `+inboundCols+` FROM inbound_shipment WHERE shipment_id = $1 AND lab_uid = $2`,
		shipmentID, labUID))
}

func (r *repoPG) UpdateInbound(ctx context.Context, s *InboundShipment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE inbound_shipment
		SET status = $2, dispatched_at = $3, comments = $4, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.Status, s.DispatchedAt, s.Comments)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListInbound(ctx context.Context, limit, offset int) ([]*InboundShipment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM inbound_shipment`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+inboundCols+` FROM inbound_shipment ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*InboundShipment
	for rows.Next() {
		s, err := scanInbound(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// ---- inbound samples ----

const inboundSampleCols = `id, shipment_uid, referring_id, date_sampled, sample_type, priority,
	keywords, sample_uid, status, created_at, updated_at`

func scanInboundSample(row pgx.Row) (*InboundSample, error) {
	var s InboundSample
	err := row.Scan(&s.ID, &s.ShipmentUID, &s.ReferringID, &s.DateSampled, &s.SampleType, &s.Priority,
		&s.Keywords, &s.SampleUID, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) CreateInboundSample(ctx context.Context, s *InboundSample) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO inbound_sample (id, shipment_uid, referring_id, date_sampled, sample_type, priority,
			keywords, sample_uid, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())`,
		s.ID, s.ShipmentUID, s.ReferringID, s.DateSampled, s.SampleType, s.Priority,
		s.Keywords, s.SampleUID, s.Status)
	if isUniqueViolation(err) {
		return ErrDuplicateSample
	}
	return err
}

func (r *repoPG) GetInboundSample(ctx context.Context, id uuid.UUID) (*InboundSample, error) {
	return scanInboundSample(r.conn(ctx).QueryRow(ctx,
		`SELECT `+inboundSampleCols+` FROM inbound_sample WHERE id = $1`, id))
}

func (r *repoPG) GetInboundSampleByReferringID(ctx context.Context, referringID string) (*InboundSample, error) {
	return scanInboundSample(r.conn(ctx).QueryRow(ctx,
		`SELECT `+inboundSampleCols+` FROM inbound_sample WHERE referring_id = $1`, referringID))
}

func (r *repoPG) UpdateInboundSample(ctx context.Context, s *InboundSample) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE inbound_sample
		SET sample_uid = $2, status = $3, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.SampleUID, s.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListInboundSamples(ctx context.Context, shipmentUID uuid.UUID) ([]*InboundSample, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+inboundSampleCols+` FROM inbound_sample WHERE shipment_uid = $1 ORDER BY created_at ASC`, shipmentUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InboundSample
	for rows.Next() {
		s, err := scanInboundSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
