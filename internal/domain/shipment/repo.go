package shipment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Repository errors. Duplicates surface from storage-level unique indexes,
// not from query-then-create checks.
var (
	ErrNotFound          = errors.New("shipment not found")
	ErrDuplicateShipment = errors.New("shipment already exists for this laboratory")
	ErrDuplicateSample   = errors.New("inbound sample with this referring id already exists")
)

// Repository persists outbound and inbound shipments and announced samples.
type Repository interface {
	CreateOutbound(ctx context.Context, s *OutboundShipment) error
	GetOutbound(ctx context.Context, id uuid.UUID) (*OutboundShipment, error)
	GetOutboundByShipmentID(ctx context.Context, shipmentID string, labUID uuid.UUID) (*OutboundShipment, error)
	UpdateOutbound(ctx context.Context, s *OutboundShipment) error
	ListOutbound(ctx context.Context, limit, offset int) ([]*OutboundShipment, int, error)

	CreateInbound(ctx context.Context, s *InboundShipment) error
	GetInbound(ctx context.Context, id uuid.UUID) (*InboundShipment, error)
	GetInboundByShipmentID(ctx context.Context, shipmentID string, labUID uuid.UUID) (*InboundShipment, error)
	UpdateInbound(ctx context.Context, s *InboundShipment) error
	ListInbound(ctx context.Context, limit, offset int) ([]*InboundShipment, int, error)

	CreateInboundSample(ctx context.Context, s *InboundSample) error
	GetInboundSample(ctx context.Context, id uuid.UUID) (*InboundSample, error)
	GetInboundSampleByReferringID(ctx context.Context, referringID string) (*InboundSample, error)
	UpdateInboundSample(ctx context.Context, s *InboundSample) error
	ListInboundSamples(ctx context.Context, shipmentUID uuid.UUID) ([]*InboundSample, error)
}
