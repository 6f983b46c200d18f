package sample

import (
	"time"

	"github.com/google/uuid"
)

// Sample review states.
const (
	StateDue          = "sample_due"
	StateReceived     = "sample_received"
	StateShipped      = "shipped"
	StateToBeVerified = "to_be_verified"
	StateVerified     = "verified"
	StatePublished    = "published"
	StateRejected     = "rejected"
	StateCancelled    = "cancelled"
	StateInvalid      = "invalid"
)

// Sample actions.
const (
	ActionReceive             = "receive"
	ActionShip                = "ship"
	ActionRecoverFromShipment = "recover_from_shipment"
	ActionRecallFromShipment  = "recall_from_shipment"
	ActionSubmit              = "submit"
	ActionVerify              = "verify"
	ActionPublish             = "publish"
	ActionReject              = "reject"
	ActionRejectAtReference   = "reject_at_reference"
	ActionInvalidateAtRef     = "invalidate_at_reference"
	ActionCancel              = "cancel"
)

// Analysis states.
const (
	AnalysisUnassigned   = "unassigned"
	AnalysisReferred     = "referred"
	AnalysisToBeVerified = "to_be_verified"
	AnalysisVerified     = "verified"
	AnalysisRejected     = "rejected"
)

// Analysis actions.
const (
	AnalysisActionRefer    = "refer"
	AnalysisActionUnassign = "unassign"
	AnalysisActionSubmit   = "submit"
	AnalysisActionVerify   = "verify"
	AnalysisActionReject   = "reject"
)

// Sample is a local analysis request with the referral extensions: a
// back-reference to the inbound shipment it was created from (never changed
// after creation) and a forward reference to the outbound shipment it was
// added to. ClientSampleID is the identifier shared with partner labs;
// local UUIDs never cross the wire.
type Sample struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ClientSampleID string    `db:"client_sample_id" json:"client_sample_id"`
	SampleType     string    `db:"sample_type" json:"sample_type"`
	Priority       string    `db:"priority" json:"priority,omitempty"`
	DateSampled    time.Time `db:"date_sampled" json:"date_sampled"`
	Status         string    `db:"status" json:"status"`

	InboundShipmentUID  *uuid.UUID `db:"inbound_shipment_uid" json:"inbound_shipment_uid,omitempty"`
	OutboundShipmentUID *uuid.UUID `db:"outbound_shipment_uid" json:"outbound_shipment_uid,omitempty"`

	// InvalidatedBy points forward to the retest sample that replaced this
	// one. Resolution by client sample id follows this chain to its tip.
	InvalidatedBy *uuid.UUID `db:"invalidated_by" json:"invalidated_by,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (s *Sample) UID() uuid.UUID            { return s.ID }
func (s *Sample) WorkflowState() string     { return s.Status }
func (s *Sample) SetWorkflowState(st string) { s.Status = st }

// FromInbound reports whether the sample was created from an inbound
// shipment, which makes it a partner-owned sample locally.
func (s *Sample) FromInbound() bool { return s.InboundShipmentUID != nil }

// RemoteIdentity is a person at the partner laboratory. These are records of
// who acted remotely, not local accounts.
type RemoteIdentity struct {
	UserID   string `json:"userid"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"fullname,omitempty"`
	LabCode  string `json:"lab_code,omitempty"`
}

// Analysis is one test on a sample, with the referral extensions capturing
// who and what produced the result at the reference laboratory.
type Analysis struct {
	ID        uuid.UUID `db:"id" json:"id"`
	SampleUID uuid.UUID `db:"sample_uid" json:"sample_uid"`
	Keyword   string    `db:"keyword" json:"keyword"`
	Status    string    `db:"status" json:"status"`

	Result     string     `db:"result" json:"result,omitempty"`
	ResultDate *time.Time `db:"result_date" json:"result_date,omitempty"`

	ReferenceInstrument string           `db:"reference_instrument" json:"reference_instrument,omitempty"`
	ReferenceMethod     string           `db:"reference_method" json:"reference_method,omitempty"`
	ReferenceAnalysts   []RemoteIdentity `db:"reference_analysts" json:"reference_analysts,omitempty"`
	ReferenceVerifiers  []RemoteIdentity `db:"reference_verifiers" json:"reference_verifiers,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (a *Analysis) UID() uuid.UUID            { return a.ID }
func (a *Analysis) WorkflowState() string     { return a.Status }
func (a *Analysis) SetWorkflowState(st string) { a.Status = st }

// AnalysisResult is one result block received from the reference laboratory.
type AnalysisResult struct {
	Keyword         string           `json:"keyword"`
	FormattedResult string           `json:"formatted_result"`
	ResultDate      *time.Time       `json:"result_date,omitempty"`
	Instrument      string           `json:"instrument,omitempty"`
	Method          string           `json:"method,omitempty"`
	Analysts        []RemoteIdentity `json:"analysts,omitempty"`
	Verifiers       []RemoteIdentity `json:"verifiers,omitempty"`
}
