package shipment

import (
	"time"

	"github.com/google/uuid"
)

// Outbound shipment states.
const (
	OutboundPreparation = "preparation"
	OutboundReady       = "ready"
	OutboundDispatched  = "dispatched"
	OutboundDelivered   = "delivered"
	OutboundLost        = "lost"
	OutboundRejected    = "rejected"
	OutboundCancelled   = "cancelled"
)

// Outbound shipment actions.
const (
	ActionFinalise = "finalise_outbound_shipment"
	ActionDispatch = "dispatch_outbound_shipment"
	ActionDeliver  = "deliver_outbound_shipment"
	ActionLose     = "lose_outbound_shipment"
	ActionRejectOutbound = "reject_outbound_shipment"
	ActionCancelOutbound = "cancel_outbound_shipment"
)

// Inbound shipment states.
const (
	InboundDue       = "due"
	InboundReceived  = "received"
	InboundRejected  = "rejected"
	InboundCancelled = "cancelled"
)

// Inbound shipment actions.
const (
	ActionReceiveInbound = "receive_inbound_shipment"
	ActionRejectInbound  = "reject_inbound_shipment"
	ActionCancelInbound  = "cancel_inbound_shipment"
)

// Inbound sample states and actions.
const (
	InboundSampleDue      = "due"
	InboundSampleReceived = "received"
	InboundSampleRejected = "rejected"

	ActionReceiveInboundSample = "receive_inbound_sample"
	ActionRejectInboundSample  = "reject_inbound_sample"
)

// OutboundShipment is a batch of local samples on its way to a reference
// laboratory. ShipmentID is generated locally, prefixed with this lab's code,
// and is the identifier partners use to refer to it.
type OutboundShipment struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ShipmentID string    `db:"shipment_id" json:"shipment_id"`
	LabUID     uuid.UUID `db:"lab_uid" json:"lab_uid"`
	Status     string    `db:"status" json:"status"`
	Comments   string    `db:"comments" json:"comments,omitempty"`

	// ManifestRef is an opaque reference to the generated manifest
	// document. Rendering happens elsewhere; dispatch only requires that
	// a manifest exists.
	ManifestRef string `db:"manifest_ref" json:"manifest_ref,omitempty"`

	DispatchedAt *time.Time `db:"dispatched_at" json:"dispatched_at,omitempty"`
	DeliveredAt  *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	RejectedAt   *time.Time `db:"rejected_at" json:"rejected_at,omitempty"`
	LostAt       *time.Time `db:"lost_at" json:"lost_at,omitempty"`
	CancelledAt  *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (s *OutboundShipment) UID() uuid.UUID            { return s.ID }
func (s *OutboundShipment) WorkflowState() string     { return s.Status }
func (s *OutboundShipment) SetWorkflowState(st string) { s.Status = st }

// InboundShipment is a batch of samples announced or delivered by a
// referring laboratory. ShipmentID is partner-supplied and unique per
// (shipment_id, lab) pair.
type InboundShipment struct {
	ID           uuid.UUID `db:"id" json:"id"`
	ShipmentID   string    `db:"shipment_id" json:"shipment_id"`
	LabUID       uuid.UUID `db:"lab_uid" json:"lab_uid"`
	Status       string    `db:"status" json:"status"`
	DispatchedAt time.Time `db:"dispatched_at" json:"dispatched_at"`
	Comments     string    `db:"comments" json:"comments,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (s *InboundShipment) UID() uuid.UUID            { return s.ID }
func (s *InboundShipment) WorkflowState() string     { return s.Status }
func (s *InboundShipment) SetWorkflowState(st string) { s.Status = st }

// InboundSample is one announced sample inside an inbound shipment, before
// a local sample exists for it. ReferringID is the partner's original sample
// identifier and is globally unique; SampleUID links the local counterpart
// once the sample is received and never changes afterwards.
type InboundSample struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	ShipmentUID uuid.UUID  `db:"shipment_uid" json:"shipment_uid"`
	ReferringID string     `db:"referring_id" json:"referring_id"`
	DateSampled time.Time  `db:"date_sampled" json:"date_sampled"`
	SampleType  string     `db:"sample_type" json:"sample_type"`
	Priority    string     `db:"priority" json:"priority,omitempty"`
	Keywords    []string   `db:"keywords" json:"keywords,omitempty"`
	SampleUID   *uuid.UUID `db:"sample_uid" json:"sample_uid,omitempty"`
	Status      string     `db:"status" json:"status"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (s *InboundSample) UID() uuid.UUID            { return s.ID }
func (s *InboundSample) WorkflowState() string     { return s.Status }
func (s *InboundSample) SetWorkflowState(st string) { s.Status = st }

// InboundSampleSpec is the creation payload for one announced sample.
type InboundSampleSpec struct {
	ReferringID string    `json:"id"`
	DateSampled time.Time `json:"date_sampled"`
	SampleType  string    `json:"sample_type"`
	Priority    string    `json:"priority,omitempty"`
	Keywords    []string  `json:"analyses,omitempty"`
}
