package sample

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists samples and their analyses.
type Repository interface {
	Create(ctx context.Context, s *Sample) error
	GetByID(ctx context.Context, id uuid.UUID) (*Sample, error)
	Update(ctx context.Context, s *Sample) error
	List(ctx context.Context, limit, offset int) ([]*Sample, int, error)
	ListByOutboundShipment(ctx context.Context, shipmentUID uuid.UUID) ([]*Sample, error)
	// ListByClientSampleID returns every sample carrying the identifier,
	// including invalidated ones; resolution walks the retest chain.
	ListByClientSampleID(ctx context.Context, clientSampleID string) ([]*Sample, error)

	CreateAnalysis(ctx context.Context, a *Analysis) error
	UpdateAnalysis(ctx context.Context, a *Analysis) error
	ListAnalyses(ctx context.Context, sampleUID uuid.UUID) ([]*Analysis, error)
}
