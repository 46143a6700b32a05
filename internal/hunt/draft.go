package hunt

import (
	"maps"
	"slices"

	"github.com/bcnelson/hunt-foreman/internal/domain"
)

// Draft accumulates hunt input across authoring steps. Every method returns
// a new Draft and leaves the receiver untouched, so keeping the previous
// value is all it takes to step back.
type Draft struct {
	description      string
	flowName         string
	flowArgs         map[string]any
	predicates       []domain.Predicate
	collectReplies   bool
	requiresApproval *bool
	expirySeconds    int64
}

// NewDraft returns an empty draft. Replies are collected unless disabled.
func NewDraft() Draft {
	return Draft{collectReplies: true}
}

func (d Draft) clone() Draft {
	d.flowArgs = maps.Clone(d.flowArgs)
	d.predicates = slices.Clone(d.predicates)
	if d.requiresApproval != nil {
		v := *d.requiresApproval
		d.requiresApproval = &v
	}
	return d
}

// WithDescription sets the hunt description.
func (d Draft) WithDescription(desc string) Draft {
	c := d.clone()
	c.description = desc
	return c
}

// WithFlow selects the flow. Changing the flow discards arguments set for
// the previous one.
func (d Draft) WithFlow(name string) Draft {
	c := d.clone()
	if c.flowName != name {
		c.flowArgs = nil
	}
	c.flowName = name
	return c
}

// WithArg sets a single flow argument.
func (d Draft) WithArg(name string, value any) Draft {
	c := d.clone()
	if c.flowArgs == nil {
		c.flowArgs = make(map[string]any)
	}
	c.flowArgs[name] = value
	return c
}

// AddPredicate appends a targeting predicate.
func (d Draft) AddPredicate(p domain.Predicate) Draft {
	c := d.clone()
	c.predicates = append(c.predicates, p)
	return c
}

// RemovePredicate drops the predicate at index i. Out of range indexes
// leave the draft unchanged.
func (d Draft) RemovePredicate(i int) Draft {
	c := d.clone()
	if i < 0 || i >= len(c.predicates) {
		return c
	}
	c.predicates = slices.Delete(c.predicates, i, i+1)
	return c
}

// WithCollectReplies sets whether replies are collected.
func (d Draft) WithCollectReplies(v bool) Draft {
	c := d.clone()
	c.collectReplies = v
	return c
}

// WithRequiresApproval sets the hunt's approval gate.
func (d Draft) WithRequiresApproval(v bool) Draft {
	c := d.clone()
	c.requiresApproval = &v
	return c
}

// WithExpirySeconds overrides the fleet rule expiry.
func (d Draft) WithExpirySeconds(sec int64) Draft {
	c := d.clone()
	c.expirySeconds = sec
	return c
}

// FlowName returns the selected flow.
func (d Draft) FlowName() string { return d.flowName }

// Predicates returns a copy of the targeting predicates.
func (d Draft) Predicates() []domain.Predicate { return slices.Clone(d.predicates) }

// Request builds the create request for the draft.
func (d Draft) Request() *domain.CreateHuntRequest {
	c := d.clone()
	collect := c.collectReplies
	return &domain.CreateHuntRequest{
		Description:      c.description,
		FlowName:         c.flowName,
		FlowArgs:         c.flowArgs,
		Predicates:       c.predicates,
		CollectReplies:   &collect,
		RequiresApproval: c.requiresApproval,
		ExpirySeconds:    c.expirySeconds,
	}
}
