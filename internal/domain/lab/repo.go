package lab

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists laboratories and their keyword mappings.
type Repository interface {
	Create(ctx context.Context, l *Laboratory) error
	GetByID(ctx context.Context, id uuid.UUID) (*Laboratory, error)
	// GetByCode matches active and inactive laboratories alike; the caller
	// decides what an inactive match means.
	GetByCode(ctx context.Context, code string) (*Laboratory, error)
	Update(ctx context.Context, l *Laboratory) error
	List(ctx context.Context, limit, offset int) ([]*Laboratory, int, error)

	AddMapping(ctx context.Context, m *Mapping) error
	DeleteMapping(ctx context.Context, id uuid.UUID) error
	ListMappings(ctx context.Context, labID uuid.UUID) ([]*Mapping, error)
	// ResolveMapping returns the local key for a partner's free text, or
	// "" when no mapping exists.
	ResolveMapping(ctx context.Context, labID uuid.UUID, kind, remoteText string) (string, error)
}
