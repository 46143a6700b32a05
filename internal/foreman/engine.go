// Package foreman evaluates installed hunt rules against endpoint check-ins
// and dispatches the matching actions at most once per endpoint and rule.
package foreman

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/logging"
	"github.com/bcnelson/hunt-foreman/internal/metrics"
	"github.com/bcnelson/hunt-foreman/internal/storage"
)

// Dispatcher delivers a rule's actions to an endpoint. A nil error is the
// delivery acknowledgement; only then is the pair marked processed.
type Dispatcher interface {
	Dispatch(ctx context.Context, endpointID string, actions []domain.Action) error
}

// ExpiryHandler is called once for every rule swept after its expiry,
// before the rule and its markers are deleted from the store.
type ExpiryHandler func(ctx context.Context, rule *domain.Rule)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logging.WithComponent(l, "foreman") }
}

// WithMetrics sets the collectors the engine reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used by CheckIn and Run.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the foreman. It owns the in-memory RuleSet and keeps it in
// step with the persistent store.
type Engine struct {
	rules      *RuleSet
	store      storage.Storage
	dispatcher Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	hookMu   sync.RWMutex
	onExpire []ExpiryHandler
}

// New creates an engine with an empty rule set. Call Load to restore rules
// persisted by a previous process.
func New(store storage.Storage, dispatcher Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		rules:      NewRuleSet(),
		store:      store,
		dispatcher: dispatcher,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewUnregistered()
	}
	return e
}

// OnExpire registers a handler for swept rules.
func (e *Engine) OnExpire(h ExpiryHandler) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onExpire = append(e.onExpire, h)
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Load rebuilds the rule set and processed markers from the store. Rules
// already expired at now are deleted and reported to the expiry handlers.
func (e *Engine) Load(ctx context.Context, now time.Time) error {
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}

	var expired []*domain.Rule
	for _, rule := range rules {
		if rule.Expired(now) {
			expired = append(expired, rule)
			continue
		}
		if err := e.rules.Install(rule); err != nil {
			if errors.Is(err, domain.ErrDuplicateRule) {
				continue
			}
			return fmt.Errorf("failed to restore rule %s: %w", rule.ID, err)
		}
		markers, err := e.store.ListProcessedMarkers(ctx, rule.ID)
		if err != nil {
			return fmt.Errorf("failed to list markers for rule %s: %w", rule.ID, err)
		}
		for _, m := range markers {
			e.rules.restoreMarker(rule.ID, m.EndpointID)
		}
	}
	e.metrics.RulesInstalled.Set(float64(e.rules.Len()))

	e.logger.Info().
		Int("rules", e.rules.Len()).
		Int("expired", len(expired)).
		Msg("Rule set restored")

	e.retire(ctx, expired)
	return nil
}

// Install persists rule and then adds it to the rule set. A check-in never
// sees a rule whose rows are not committed, and a failed write leaves the
// rule set unchanged.
func (e *Engine) Install(ctx context.Context, rule *domain.Rule) error {
	ent, err := e.rules.prepare(rule)
	if err != nil {
		return err
	}
	if err := e.store.CreateRule(ctx, rule); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.ErrDuplicateRule
		}
		return fmt.Errorf("failed to persist rule: %w", err)
	}
	if err := e.rules.add(ent); err != nil {
		// Only reachable if the rule set and store disagree about the id.
		return err
	}
	e.metrics.RulesInstalled.Set(float64(e.rules.Len()))

	e.logger.Info().
		Str("rule_id", rule.ID).
		Str("hunt_id", rule.HuntID).
		Time("expires", rule.ExpiresAt).
		Msg("Rule installed")
	return nil
}

// Remove deletes the rule and its processed markers. Removing an absent
// rule is not an error.
func (e *Engine) Remove(ctx context.Context, ruleID string) error {
	_, removed := e.rules.Remove(ruleID)
	if removed {
		e.metrics.RulesInstalled.Set(float64(e.rules.Len()))
	}
	if err := e.deleteRule(ctx, ruleID); err != nil {
		return err
	}
	if removed {
		e.logger.Info().Str("rule_id", ruleID).Msg("Rule removed")
	}
	return nil
}

func (e *Engine) deleteRule(ctx context.Context, ruleID string) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.DeleteProcessedMarkers(ctx, ruleID); err != nil {
		return fmt.Errorf("failed to delete markers: %w", err)
	}
	if err := tx.DeleteRule(ctx, ruleID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return tx.Commit()
}

// Rule returns the installed rule with the given id.
func (e *Engine) Rule(id string) (*domain.Rule, bool) {
	return e.rules.Get(id)
}

// Rules returns the installed rules in installation order.
func (e *Engine) Rules() []*domain.Rule {
	return e.rules.Rules()
}

// RulesForHunt returns the installed rules owned by huntID.
func (e *Engine) RulesForHunt(huntID string) []*domain.Rule {
	var out []*domain.Rule
	for _, r := range e.rules.Rules() {
		if r.HuntID == huntID {
			out = append(out, r)
		}
	}
	return out
}

// Processed reports whether the rule has fired for the endpoint.
func (e *Engine) Processed(ruleID, endpointID string) bool {
	return e.rules.Processed(ruleID, endpointID)
}

// ProcessedCount returns the number of endpoints the rule has fired for.
func (e *Engine) ProcessedCount(ruleID string) int {
	return e.rules.ProcessedCount(ruleID)
}

// CheckIn records the endpoint's snapshot and evaluates it against the
// installed rules.
func (e *Engine) CheckIn(ctx context.Context, req *domain.CheckInRequest) (*domain.CheckInResponse, error) {
	if strings.TrimSpace(req.EndpointID) == "" {
		return nil, fmt.Errorf("%w: endpoint_id is required", domain.ErrInvalidInput)
	}
	now := e.now()
	e.metrics.CheckIns.Inc()

	snap := req.Attributes.Clone()
	if err := e.store.UpsertEndpoint(ctx, &domain.Endpoint{
		ID:         req.EndpointID,
		Attributes: snap,
		LastSeen:   now,
	}); err != nil {
		return nil, fmt.Errorf("failed to record endpoint: %w", err)
	}

	actions, err := e.Evaluate(ctx, req.EndpointID, snap, now)
	return &domain.CheckInResponse{EndpointID: req.EndpointID, Actions: actions}, err
}

// Evaluate runs every live rule against snap in installation order and
// dispatches the actions of each matching rule not yet processed for the
// endpoint. It returns the actions that were dispatched. Dispatch failures
// leave the pair eligible for the next check-in and are returned joined.
func (e *Engine) Evaluate(ctx context.Context, endpointID string, snap domain.AttributeSnapshot, now time.Time) ([]domain.Action, error) {
	live, anyExpired := e.rules.snapshot(now)
	if anyExpired {
		e.Sweep(ctx, now)
	}

	var (
		dispatched []domain.Action
		errs       []error
	)
	for _, ent := range live {
		if ent.processed(endpointID) || !ent.matches(snap) {
			continue
		}
		if !ent.claim(endpointID) {
			continue
		}

		rule := ent.rule
		if err := e.dispatcher.Dispatch(ctx, endpointID, rule.Actions); err != nil {
			ent.release(endpointID)
			e.metrics.DispatchErrors.Inc()
			e.logger.Warn().Err(err).
				Str("rule_id", rule.ID).
				Str("endpoint_id", endpointID).
				Msg("Dispatch failed, endpoint stays eligible")
			errs = append(errs, fmt.Errorf("%w: rule %s: %w", domain.ErrDispatch, rule.ID, err))
			continue
		}

		marker := &domain.ProcessedMarker{RuleID: rule.ID, EndpointID: endpointID, ProcessedAt: now}
		if err := e.store.CreateProcessedMarker(ctx, marker); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			// The dispatch already happened. Without a durable marker a
			// restart may dispatch this pair again.
			e.logger.Error().Err(err).
				Str("rule_id", rule.ID).
				Str("endpoint_id", endpointID).
				Msg("Failed to persist processed marker")
		}
		if !ent.complete(endpointID) {
			// Removed while dispatching; drop the marker we just wrote.
			if err := e.store.DeleteProcessedMarkers(ctx, rule.ID); err != nil {
				e.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Failed to clean up markers")
			}
		}

		for _, a := range rule.Actions {
			e.metrics.ActionsDispatched.WithLabelValues(a.FlowName).Inc()
		}
		dispatched = append(dispatched, rule.Actions...)

		e.logger.Debug().
			Str("rule_id", rule.ID).
			Str("endpoint_id", endpointID).
			Int("actions", len(rule.Actions)).
			Msg("Rule fired")
	}
	return dispatched, errors.Join(errs...)
}

// Sweep removes every rule expired at now, deletes it from the store and
// reports it to the expiry handlers. It returns the swept rules.
func (e *Engine) Sweep(ctx context.Context, now time.Time) []*domain.Rule {
	expired := e.rules.SweepExpired(now)
	if len(expired) == 0 {
		return nil
	}
	e.metrics.RulesInstalled.Set(float64(e.rules.Len()))
	e.retire(ctx, expired)
	return expired
}

func (e *Engine) retire(ctx context.Context, expired []*domain.Rule) {
	if len(expired) == 0 {
		return
	}
	e.hookMu.RLock()
	hooks := append([]ExpiryHandler(nil), e.onExpire...)
	e.hookMu.RUnlock()

	for _, rule := range expired {
		e.metrics.RulesExpired.Inc()
		e.logger.Info().
			Str("rule_id", rule.ID).
			Str("hunt_id", rule.HuntID).
			Msg("Rule expired")
		// Handlers still see the rule's persisted markers.
		for _, h := range hooks {
			h(ctx, rule)
		}
		if err := e.deleteRule(ctx, rule.ID); err != nil {
			e.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to delete expired rule")
		}
	}
}

// Run sweeps expired rules every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Sweep(ctx, e.now())
		}
	}
}
