package models

import (
	"encoding/json"
	"time"
)

// RawFile is one discovered record file in the raw directory.
// A row is created once by the scanner and finalized once by the ingestor;
// after ingested=true the count and time bounds never change.
type RawFile struct {
	FileID      int64      `json:"file_id"`
	Path        string     `json:"path"` // normalized to forward slashes
	FileType    string     `json:"type"` // "events" or "updates"
	MigrationID *int64     `json:"migration_id,omitempty"`
	RecordDate  *time.Time `json:"record_date,omitempty"`
	RecordCount int64      `json:"record_count"`
	MinTS       *time.Time `json:"min_ts,omitempty"`
	MaxTS       *time.Time `json:"max_ts,omitempty"`
	Ingested    bool       `json:"ingested"`
	IngestedAt  *time.Time `json:"ingested_at,omitempty"`
}

// File type constants inferred from the filename prefix.
const (
	FileTypeEvents  = "events"
	FileTypeUpdates = "updates"
)

// Record is one decoded ledger record, normalized by the decoder.
type Record struct {
	EventID       string          `json:"event_id"`
	UpdateID      string          `json:"update_id"`
	ContractID    string          `json:"contract_id"`
	TemplateID    string          `json:"template_id"`
	EventType     string          `json:"event_type"`
	EffectiveAt   time.Time       `json:"effective_at"`
	RecordedAt    time.Time       `json:"recorded_at"`
	Signatories   []string        `json:"signatories,omitempty"`
	Observers     []string        `json:"observers,omitempty"`
	ActingParties []string        `json:"acting_parties,omitempty"`
	Consuming     bool            `json:"consuming,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Choice        string          `json:"exercise_choice,omitempty"`
	ExerciseArg   json.RawMessage `json:"exercise_argument,omitempty"`
	ExerciseRes   json.RawMessage `json:"exercise_result,omitempty"`
}

// Event type constants used across projections.
const (
	EventCreated   = "created"
	EventExercised = "exercised"
	EventArchived  = "archived"
)

// FileStats is one (type, ingested) bucket from GetFileStats.
type FileStats struct {
	FileType    string `json:"type"`
	Ingested    bool   `json:"ingested"`
	FileCount   int64  `json:"file_count"`
	RecordCount int64  `json:"record_count"`
}

// ScanResult is returned by the file index scan.
type ScanResult struct {
	TotalFiles int `json:"total_files"`
	NewFiles   int `json:"new_files"`
}

// IngestResult summarizes one ingest pass.
type IngestResult struct {
	Ingested int   `json:"ingested"`
	Failed   int   `json:"failed"`
	Records  int64 `json:"records"`
}

// TemplateFileRow is one (file_path, template_name) entry of the inverted index.
type TemplateFileRow struct {
	FilePath     string    `json:"file_path"`
	TemplateName string    `json:"template_name"`
	EventCount   int64     `json:"event_count"`
	FirstEventAt time.Time `json:"first_event_at"`
	LastEventAt  time.Time `json:"last_event_at"`
}

// TemplateSummary aggregates the inverted index per template.
type TemplateSummary struct {
	TemplateName string `json:"template_name"`
	TotalEvents  int64  `json:"total_events"`
	FileCount    int64  `json:"file_count"`
}

// Vote request proposal statuses.
const (
	StatusInProgress = "in_progress"
	StatusExecuted   = "executed"
	StatusRejected   = "rejected"
	StatusExpired    = "expired"
)

// VoteRequestRow is one materialized governance proposal row, keyed by the
// create event id of the proposal-root contract.
type VoteRequestRow struct {
	EventID       string     `json:"event_id"`
	StableID      string     `json:"stable_id"`
	ContractID    string     `json:"contract_id"`
	ProposalID    string     `json:"proposal_id"`
	TrackingCID   string     `json:"tracking_cid,omitempty"`
	Requester     string     `json:"requester"`
	ActionTag     string     `json:"action_tag"`
	ActionSubject string     `json:"action_subject"`
	SemanticKey   string     `json:"semantic_key"`
	Reason        string     `json:"reason,omitempty"`
	ReasonURL     string     `json:"reason_url,omitempty"`
	Status        string     `json:"status"`
	IsClosed      bool       `json:"is_closed"`
	IsHuman       bool       `json:"is_human"`
	VotesJSON     string     `json:"votes_json,omitempty"`
	AcceptCount   int64      `json:"accept_count"`
	RejectCount   int64      `json:"reject_count"`
	VoteBefore    *time.Time `json:"vote_before,omitempty"`
	EffectiveAt   time.Time  `json:"effective_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CanonicalProposal is one collapsed row of the canonical proposal query.
type CanonicalProposal struct {
	VoteRequestRow
	RelatedCount int64     `json:"related_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MaxAccept    int64     `json:"max_accept"`
	MaxReject    int64     `json:"max_reject"`
}

// SvInterval is one super-validator membership interval.
type SvInterval struct {
	ContractID      string     `json:"contract_id"`
	SvParty         string     `json:"sv_party"`
	SvName          string     `json:"sv_name,omitempty"`
	SvRewardWeight  int64      `json:"sv_reward_weight"`
	SvParticipantID string     `json:"sv_participant_id,omitempty"`
	DSO             string     `json:"dso,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	ActiveFrom      time.Time  `json:"active_from"`
	ActiveUntil     *time.Time `json:"active_until,omitempty"`
}

// VotingThresholds derives governance thresholds from an active SV count.
// With zero SVs twoThirds is 0 and a simple majority still needs one vote.
type VotingThresholds struct {
	SvCount        int64 `json:"svCount"`
	TwoThirds      int64 `json:"twoThirds"`
	SimpleMajority int64 `json:"simpleMajority"`
}

// Reward coupon types.
const (
	CouponApp       = "App"
	CouponValidator = "Validator"
	CouponSV        = "SV"
)

// RewardCoupon is one denormalized reward event.
type RewardCoupon struct {
	EventID         string    `json:"event_id"`
	ContractID      string    `json:"contract_id"`
	TemplateID      string    `json:"template_id"`
	EffectiveAt     time.Time `json:"effective_at"`
	Round           int64     `json:"round"`
	CouponType      string    `json:"coupon_type"`
	Beneficiary     string    `json:"beneficiary"`
	Weight          float64   `json:"weight"`
	CCAmount        float64   `json:"cc_amount"`
	HasIssuanceData bool      `json:"has_issuance_data"`
}

// IssuanceRates holds the per-coupon-type issuance multipliers of one round.
type IssuanceRates struct {
	PerApp       float64 `json:"perApp"`
	PerValidator float64 `json:"perValidator"`
	PerSv        float64 `json:"perSv"`
}

// Gap is one contiguity hole detected over ingested file time bounds.
type Gap struct {
	MigrationID *int64    `json:"migration_id,omitempty"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	WidthMs     int64     `json:"width_ms"`
	BeforeFile  int64     `json:"before_file"`
	AfterFile   int64     `json:"after_file"`
}

// TemplateName returns the suffix of a template id after its final ':'.
// An optional '@hash' revision marker stays part of the name.
func TemplateName(templateID string) string {
	for i := len(templateID) - 1; i >= 0; i-- {
		if templateID[i] == ':' {
			return templateID[i+1:]
		}
	}
	return templateID
}
