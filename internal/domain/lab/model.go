package lab

import (
	"time"

	"github.com/google/uuid"
)

// Laboratory is a partner instance this laboratory exchanges samples with.
// Code is the shared identifier both sides agree on out of band; it appears
// in every wire payload and never changes once partners are paired.
type Laboratory struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Code        string    `db:"code" json:"code"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description,omitempty"`
	Active      bool      `db:"active" json:"active"`

	// Referring means the partner sends samples to us; Reference means we
	// send samples to them. Both may be true.
	Referring bool `db:"referring" json:"referring"`
	Reference bool `db:"reference" json:"reference"`

	// URL and credentials for pushing notifications to the partner. Empty
	// values mean the partner cannot be notified; local workflows still run.
	URL      string `db:"url" json:"url,omitempty"`
	Username string `db:"username" json:"username,omitempty"`
	Password string `db:"password" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Mapping kinds.
const (
	MappingSampleType = "sample_type"
	MappingAnalysis   = "analysis"
)

// Mapping translates a partner's free-text sample type or analysis keyword
// into a local identifier. Reception of an inbound sample fails when a
// mapping is missing, so these rows gate the receive workflow.
type Mapping struct {
	ID         uuid.UUID `db:"id" json:"id"`
	LabID      uuid.UUID `db:"lab_id" json:"lab_id"`
	Kind       string    `db:"kind" json:"kind"`
	RemoteText string    `db:"remote_text" json:"remote_text"`
	LocalKey   string    `db:"local_key" json:"local_key"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
