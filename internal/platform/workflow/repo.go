package workflow

import (
	"context"

	"github.com/google/uuid"
)

// EventRepository persists review history events. Entries are append-only;
// there is no update or delete.
type EventRepository interface {
	Append(ctx context.Context, ev *Event) error
	ListByObject(ctx context.Context, objectUID uuid.UUID) ([]Event, error)
	LastByObject(ctx context.Context, objectUID uuid.UUID) (*Event, error)
}
