package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record documents one outbound POST attempt against a partner laboratory.
// Records are owned by the object they document (shipment or sample) and are
// append-only: a retry appends a new record, it never rewrites an old one.
// "Last post" means the newest record by append order.
type Record struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	ObjectUID    uuid.UUID       `db:"object_uid" json:"object_uid"`
	URL          string          `db:"url" json:"url"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	StatusCode   int             `db:"status_code" json:"status_code"`
	Reason       string          `db:"reason" json:"reason,omitempty"`
	ResponseBody string          `db:"response_body" json:"response_body,omitempty"`
	Message      string          `db:"message" json:"message,omitempty"`
	Success      bool            `db:"success" json:"success"`
	SentAt       time.Time       `db:"sent_at" json:"sent_at"`
}

// RecordStore persists notification records.
type RecordStore interface {
	Append(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	ListByObject(ctx context.Context, objectUID uuid.UUID, limit, offset int) ([]*Record, int, error)
	LastByObject(ctx context.Context, objectUID uuid.UUID) (*Record, error)
}
