package approval

import (
	"encoding/json"
	"time"
)

// Status is the review state of a request. Approved, rejected and
// expired are terminal; once reached, the request is immutable.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Request is a human-in-the-loop approval request gating a proposed
// agent action. RunID is an opaque identifier supplied by the caller;
// the request outlives the run that created it.
type Request struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	RequestedBy    string          `json:"requested_by,omitempty"`
	Reason         string          `json:"reason"`
	Context        json.RawMessage `json:"context"`
	ProposedAction json.RawMessage `json:"proposed_action"`
	Status         Status          `json:"status"`
	ReviewedBy     string          `json:"reviewed_by,omitempty"`
	ReviewNotes    string          `json:"review_notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ReviewedAt     *time.Time      `json:"reviewed_at,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
}
