package domain

import "time"

// HuntState is a position in the hunt lifecycle.
type HuntState string

const (
	HuntDraft           HuntState = "DRAFT"
	HuntPendingApproval HuntState = "PENDING_APPROVAL"
	HuntActive          HuntState = "ACTIVE"
	HuntStopped         HuntState = "STOPPED"
)

// Terminal reports whether no further transitions are possible.
func (s HuntState) Terminal() bool { return s == HuntStopped }

// Stop reasons recorded on stopped hunts.
const (
	StopReasonOperator = "operator"
	StopReasonExpired  = "expired"
	StopReasonDenied   = "denied"
)

// Hunt is an operator-authored unit of targeted work. A hunt owns at most
// one installed rule, and only while ACTIVE. ClientCount is live while the
// hunt is ACTIVE and frozen when it stops.
type Hunt struct {
	ID               string         `json:"id" db:"id"`
	Description      string         `json:"description" db:"description"`
	FlowName         string         `json:"flow_name" db:"flow_name"`
	FlowArgs         map[string]any `json:"flow_args" db:"-"`
	Predicates       []Predicate    `json:"predicates" db:"-"`
	CollectReplies   bool           `json:"collect_replies" db:"collect_replies"`
	RequiresApproval bool           `json:"requires_approval" db:"requires_approval"`
	State            HuntState      `json:"state" db:"state"`
	RuleID           string         `json:"rule_id,omitempty" db:"rule_id"`
	ApprovalID       string         `json:"approval_id,omitempty" db:"approval_id"`
	ExpirySeconds    int64          `json:"expiry_seconds,omitempty" db:"expiry_seconds"`
	Creator          string         `json:"creator" db:"creator"`
	StopReason       string         `json:"stop_reason,omitempty" db:"stop_reason"`
	ClientCount      int            `json:"client_count" db:"client_count"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
	ActivatedAt      *time.Time     `json:"activated_at,omitempty" db:"activated_at"`
	StoppedAt        *time.Time     `json:"stopped_at,omitempty" db:"stopped_at"`
}

// CreateHuntRequest is the request body for creating a hunt.
// RequiresApproval and CollectReplies fall back to fleet policy and true
// respectively when omitted.
type CreateHuntRequest struct {
	Description      string         `json:"description,omitempty"`
	FlowName         string         `json:"flow_name"`
	FlowArgs         map[string]any `json:"flow_args,omitempty"`
	Predicates       []Predicate    `json:"predicates,omitempty"`
	CollectReplies   *bool          `json:"collect_replies,omitempty"`
	RequiresApproval *bool          `json:"requires_approval,omitempty"`
	ExpirySeconds    int64          `json:"expiry_seconds,omitempty"`
}

// ActivateHuntRequest carries the approval request details used when the
// hunt is gated. It is ignored for ungated hunts.
type ActivateHuntRequest struct {
	Reason    string   `json:"reason,omitempty"`
	Approvers []string `json:"approvers,omitempty"`
	EmailCC   []string `json:"email_cc,omitempty"`
}

// HuntListFilter narrows a hunt listing.
type HuntListFilter struct {
	State HuntState
}

// PreviewResponse reports how many known endpoints a hunt's rule matches.
type PreviewResponse struct {
	Checked   int      `json:"checked"`
	Matched   int      `json:"matched"`
	Endpoints []string `json:"endpoints"`
}
