package domain

import (
	"slices"
	"time"
)

// ApprovalState is the state of an approval request.
type ApprovalState string

const (
	ApprovalOpen    ApprovalState = "OPEN"
	ApprovalGranted ApprovalState = "GRANTED"
	ApprovalDenied  ApprovalState = "DENIED"
)

// ApprovalGrant records a single approver's consent.
type ApprovalGrant struct {
	Grantor   string    `json:"grantor" db:"grantor"`
	GrantedAt time.Time `json:"granted_at" db:"granted_at"`
}

// ApprovalRequest gates activation of a hunt.
type ApprovalRequest struct {
	ID         string          `json:"id" db:"id"`
	HuntID     string          `json:"hunt_id" db:"hunt_id"`
	Requestor  string          `json:"requestor" db:"requestor"`
	Reason     string          `json:"reason" db:"reason"`
	Candidates []string        `json:"approver_candidates" db:"-"`
	EmailCC    []string        `json:"email_cc,omitempty" db:"-"`
	Grants     []ApprovalGrant `json:"grants" db:"-"`
	State      ApprovalState   `json:"state" db:"state"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at" db:"expires_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// GrantedBy returns the distinct identities that granted the request.
func (r *ApprovalRequest) GrantedBy() []string {
	out := make([]string, 0, len(r.Grants))
	for _, g := range r.Grants {
		out = append(out, g.Grantor)
	}
	return out
}

// HasGrantFrom reports whether identity already granted the request.
func (r *ApprovalRequest) HasGrantFrom(identity string) bool {
	return slices.ContainsFunc(r.Grants, func(g ApprovalGrant) bool {
		return g.Grantor == identity
	})
}

// Expired reports whether the request can no longer collect grants.
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// OpenApprovalRequest is the input to opening an approval request.
type OpenApprovalRequest struct {
	HuntID     string
	Requestor  string
	Reason     string
	Candidates []string
	EmailCC    []string
}

// ApprovalListFilter narrows an approval listing. An empty State matches
// every request.
type ApprovalListFilter struct {
	HuntID string
	State  ApprovalState
}

// ApprovalView is an approval request as returned by the API.
type ApprovalView struct {
	*ApprovalRequest
	GrantedBy      []string `json:"granted_by"`
	IsValid        bool     `json:"is_valid"`
	IsValidMessage string   `json:"is_valid_message,omitempty"`
}
