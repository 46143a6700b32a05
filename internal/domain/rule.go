package domain

import "time"

// Action is what gets dispatched to an endpoint matching a rule.
type Action struct {
	HuntID         string         `json:"hunt_id" db:"hunt_id"`
	FlowName       string         `json:"flow_name" db:"flow_name"`
	FlowArgs       map[string]any `json:"flow_args" db:"-"`
	CollectReplies bool           `json:"collect_replies" db:"collect_replies"`
}

// Rule is an installed, time-bounded conjunction of predicates plus the
// actions to dispatch on match. Rules are never modified after install.
type Rule struct {
	ID           string        `json:"id" db:"id"`
	HuntID       string        `json:"hunt_id" db:"hunt_id"`
	RegexRules   []RegexRule   `json:"regex_rules" db:"-"`
	IntegerRules []IntegerRule `json:"integer_rules" db:"-"`
	Actions      []Action      `json:"actions" db:"-"`
	CreatedAt    time.Time     `json:"created" db:"created_at"`
	ExpiresAt    time.Time     `json:"expires" db:"expires_at"`
}

// Expired reports whether the rule no longer matches at now.
func (r *Rule) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// ProcessedMarker proves the rule's actions were dispatched to the endpoint.
type ProcessedMarker struct {
	RuleID      string    `json:"rule_id" db:"rule_id"`
	EndpointID  string    `json:"endpoint_id" db:"endpoint_id"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}

// Endpoint is the last check-in seen from a fleet member.
type Endpoint struct {
	ID         string            `json:"id" db:"id"`
	Attributes AttributeSnapshot `json:"attributes" db:"-"`
	LastSeen   time.Time         `json:"last_seen" db:"last_seen"`
}

// CheckInRequest is the request body for an endpoint check-in.
type CheckInRequest struct {
	EndpointID string            `json:"endpoint_id"`
	Attributes AttributeSnapshot `json:"attributes"`
}

// CheckInResponse lists the actions dispatched to the endpoint.
type CheckInResponse struct {
	EndpointID string   `json:"endpoint_id"`
	Actions    []Action `json:"actions"`
}
