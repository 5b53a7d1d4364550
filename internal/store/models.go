package store

import (
	"database/sql"
	"fmt"
)

// LeadSequenceState statuses. COMPLETED, FAILED and PAUSED are sinks for
// this engine; PAUSED and FAILED are only ever set by external ingestion.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusPaused    = "PAUSED"
)

// Email validity values on Lead."isEmailValid".
const (
	EmailValid   = "VALID"
	EmailInvalid = "INVALID"
	EmailUnknown = "UNKNOWN"
)

// SequenceTopic is the single broker queue used by the pipeline.
const SequenceTopic = "lead.sequence.step"

// PendingLead is the eligibility row the scheduler snapshots into
// Outbox.payload and the worker consumes. Ids are opaque strings.
type PendingLead struct {
	LeadStateID    string `json:"lead_state_id"`
	LeadID         string `json:"lead_id"`
	SequenceID     string `json:"sequence_id"`
	CurrentStep    int    `json:"current_step"`
	StepID         string `json:"step_id"`
	StepNumber     int    `json:"step_number"`
	MinIntervalMin int    `json:"min_interval_min"`
}

// Validate checks the pending-lead schema. A failure here means the payload
// is malformed and must not be retried.
func (p *PendingLead) Validate() error {
	switch {
	case p.LeadStateID == "":
		return fmt.Errorf("missing lead_state_id")
	case p.LeadID == "":
		return fmt.Errorf("missing lead_id")
	case p.SequenceID == "":
		return fmt.Errorf("missing sequence_id")
	case p.CurrentStep < 0:
		return fmt.Errorf("current_step %d out of range", p.CurrentStep)
	case p.StepID == "":
		return fmt.Errorf("missing step_id")
	case p.StepNumber < 1:
		return fmt.Errorf("step_number %d out of range", p.StepNumber)
	case p.MinIntervalMin < 0:
		return fmt.Errorf("min_interval_min %d out of range", p.MinIntervalMin)
	}
	return nil
}

// Lead carries the profile fields the worker renders and gates on.
// Enrichment attributes merge into the template variable namespace.
type Lead struct {
	ID           string
	Email        string
	FirstName    sql.NullString
	LastName     sql.NullString
	JobTitle     sql.NullString
	CompanyName  sql.NullString
	Industry     sql.NullString
	CompanySize  sql.NullString
	Country      sql.NullString
	State        sql.NullString
	Address      sql.NullString
	LinkedinURL  sql.NullString
	Source       sql.NullString
	IsSubscribed bool
	EmailValid   string
	Enrichment   map[string]interface{}
}

// SequenceStep is the per-step send policy.
type SequenceStep struct {
	ID             string
	SequenceID     string
	StepNumber     int
	MinIntervalMin int
	RequireNoReply bool
	StopOnBounce   bool
	TimeWindows    sql.NullString
}

// StepTemplate is one renderable template attached to a step.
type StepTemplate struct {
	ID         string // SequenceTemplate id
	TemplateID string // EmailCampaignTemplate id
	Subject    string
	HTMLBody   string
}

// OutboxRow is a claimed outbox entry on its way to the broker.
type OutboxRow struct {
	ID      string
	Topic   string
	Payload []byte
	IdemKey string
	Retries int
}

// StateAdvance is the result of the worker's conditional state update.
type StateAdvance struct {
	ID          string
	Status      string
	CurrentStep int
}
