package foreman

import (
	"sync"
	"time"

	"github.com/bcnelson/hunt-foreman/internal/domain"
)

type markerState uint8

const (
	markerInflight markerState = iota + 1
	markerDone
)

// entry is an installed rule plus its per-endpoint processed state.
// The entry lock makes the marker check-and-set atomic per (endpoint, rule).
type entry struct {
	*compiledRule

	mu      sync.Mutex
	removed bool
	markers map[string]markerState
}

// claim reserves the endpoint for dispatch. It fails if the endpoint was
// already processed, is being processed, or the rule has been removed.
func (e *entry) claim(endpointID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	if _, ok := e.markers[endpointID]; ok {
		return false
	}
	e.markers[endpointID] = markerInflight
	return true
}

// complete records a successful dispatch. It returns false if the rule was
// removed while the dispatch was in flight.
func (e *entry) complete(endpointID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	e.markers[endpointID] = markerDone
	return true
}

// release makes the endpoint eligible again after a failed dispatch.
func (e *entry) release(endpointID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.markers[endpointID] == markerInflight {
		delete(e.markers, endpointID)
	}
}

func (e *entry) processed(endpointID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markers[endpointID] == markerDone
}

func (e *entry) markerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, st := range e.markers {
		if st == markerDone {
			n++
		}
	}
	return n
}

// RuleSet holds the installed rules in installation order. A rule is either
// fully visible to evaluation or absent; rules are never mutated in place.
type RuleSet struct {
	mu    sync.RWMutex
	order []*entry
	byID  map[string]*entry
}

// NewRuleSet returns an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{byID: make(map[string]*entry)}
}

// Install adds a rule. It fails with domain.ErrDuplicateRule if a rule with
// the same id is installed, and with domain.ErrInvalidInput if the rule is
// malformed.
func (s *RuleSet) Install(rule *domain.Rule) error {
	e, err := s.prepare(rule)
	if err != nil {
		return err
	}
	return s.add(e)
}

// prepare validates and compiles rule without making it visible.
func (s *RuleSet) prepare(rule *domain.Rule) (*entry, error) {
	if !rule.ExpiresAt.After(rule.CreatedAt) {
		return nil, domain.ErrInvalidInput
	}
	c, err := compileRule(rule)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	_, dup := s.byID[rule.ID]
	s.mu.RUnlock()
	if dup {
		return nil, domain.ErrDuplicateRule
	}
	return &entry{compiledRule: c, markers: make(map[string]markerState)}, nil
}

func (s *RuleSet) add(e *entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[e.rule.ID]; ok {
		return domain.ErrDuplicateRule
	}
	s.byID[e.rule.ID] = e
	s.order = append(s.order, e)
	return nil
}

// Remove deletes the rule and its markers. Removing an absent id is a no-op.
func (s *RuleSet) Remove(id string) (*domain.Rule, bool) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	delete(s.byID, id)
	s.order = removeEntry(s.order, e)
	s.mu.Unlock()

	e.mu.Lock()
	e.removed = true
	e.markers = nil
	e.mu.Unlock()
	return e.rule, true
}

// SweepExpired removes and returns every rule expired at now.
func (s *RuleSet) SweepExpired(now time.Time) []*domain.Rule {
	s.mu.Lock()
	var expired []*entry
	kept := s.order[:0]
	for _, e := range s.order {
		if e.rule.Expired(now) {
			expired = append(expired, e)
			delete(s.byID, e.rule.ID)
			continue
		}
		kept = append(kept, e)
	}
	// Clear the tail so swept entries can be collected.
	for i := len(kept); i < len(s.order); i++ {
		s.order[i] = nil
	}
	s.order = kept
	s.mu.Unlock()

	out := make([]*domain.Rule, 0, len(expired))
	for _, e := range expired {
		e.mu.Lock()
		e.removed = true
		e.markers = nil
		e.mu.Unlock()
		out = append(out, e.rule)
	}
	return out
}

// Get returns the installed rule with the given id.
func (s *RuleSet) Get(id string) (*domain.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return e.rule, true
}

// Rules returns the installed rules in installation order.
func (s *RuleSet) Rules() []*domain.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Rule, len(s.order))
	for i, e := range s.order {
		out[i] = e.rule
	}
	return out
}

// Len returns the number of installed rules.
func (s *RuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Processed reports whether the rule has fired for the endpoint.
func (s *RuleSet) Processed(ruleID, endpointID string) bool {
	s.mu.RLock()
	e, ok := s.byID[ruleID]
	s.mu.RUnlock()
	return ok && e.processed(endpointID)
}

// ProcessedCount returns the number of endpoints the rule has fired for.
func (s *RuleSet) ProcessedCount(ruleID string) int {
	s.mu.RLock()
	e, ok := s.byID[ruleID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return e.markerCount()
}

// restoreMarker marks a pair as processed without dispatching.
func (s *RuleSet) restoreMarker(ruleID, endpointID string) {
	s.mu.RLock()
	e, ok := s.byID[ruleID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if !e.removed {
		e.markers[endpointID] = markerDone
	}
	e.mu.Unlock()
}

// snapshot returns the entries visible at now and whether any installed
// rule has expired.
func (s *RuleSet) snapshot(now time.Time) ([]*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := make([]*entry, 0, len(s.order))
	anyExpired := false
	for _, e := range s.order {
		if e.rule.Expired(now) {
			anyExpired = true
			continue
		}
		live = append(live, e)
	}
	return live, anyExpired
}

func removeEntry(order []*entry, target *entry) []*entry {
	for i, e := range order {
		if e == target {
			copy(order[i:], order[i+1:])
			order[len(order)-1] = nil
			return order[:len(order)-1]
		}
	}
	return order
}
