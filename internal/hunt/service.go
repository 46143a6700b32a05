// Package hunt implements the hunt lifecycle: DRAFT, PENDING_APPROVAL,
// ACTIVE and STOPPED. A hunt's rule is installed in the foreman only while
// the hunt is ACTIVE.
package hunt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bcnelson/hunt-foreman/internal/approval"
	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/flows"
	"github.com/bcnelson/hunt-foreman/internal/foreman"
	"github.com/bcnelson/hunt-foreman/internal/keylock"
	"github.com/bcnelson/hunt-foreman/internal/logging"
	"github.com/bcnelson/hunt-foreman/internal/metrics"
	"github.com/bcnelson/hunt-foreman/internal/storage"
	"github.com/bcnelson/hunt-foreman/internal/validation"
)

// maxExpirySeconds is the longest explicit rule lifetime that still fits in
// a time.Duration.
const maxExpirySeconds = math.MaxInt64 / int64(time.Second)

// Policy is the fleet policy applied to new hunts.
type Policy struct {
	// RuleExpiry is the default lifetime of an installed rule.
	RuleExpiry time.Duration
	// RequireApproval gates every hunt regardless of its own flag.
	RequireApproval bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = logging.WithComponent(l, "hunt") }
}

// WithMetrics sets the collectors the service reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the service time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service drives hunts through their lifecycle. Transitions of a single
// hunt are serialized.
type Service struct {
	store     storage.Storage
	engine    *foreman.Engine
	approvals *approval.Coordinator
	flows     *flows.Registry
	policy    Policy
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	locks     *keylock.Locker
}

// NewService creates the hunt service and subscribes it to rule expiry and
// approval resolution.
func NewService(store storage.Storage, engine *foreman.Engine, approvals *approval.Coordinator, registry *flows.Registry, policy Policy, opts ...Option) *Service {
	s := &Service{
		store:     store,
		engine:    engine,
		approvals: approvals,
		flows:     registry,
		policy:    policy,
		logger:    zerolog.Nop(),
		now:       time.Now,
		locks:     keylock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewUnregistered()
	}

	engine.OnExpire(s.handleExpiredRule)
	approvals.OnGranted(s.handleGranted)
	approvals.OnDenied(s.handleDenied)
	return s
}

// Create validates req and stores a new DRAFT hunt owned by creator.
func (s *Service) Create(ctx context.Context, creator string, req *domain.CreateHuntRequest) (*domain.Hunt, error) {
	args, err := s.flows.ValidateArgs(req.FlowName, req.FlowArgs)
	if err != nil {
		return nil, err
	}

	errs := validation.ValidatePredicates(req.Predicates)
	if err := validation.ValidateIdentity(creator); err != nil {
		errs.Add("creator", creator, err.Error())
	}
	switch {
	case req.ExpirySeconds < 0:
		errs.Add("expiry_seconds", fmt.Sprint(req.ExpirySeconds), "expiry_seconds must not be negative")
	case req.ExpirySeconds > maxExpirySeconds:
		errs.Add("expiry_seconds", fmt.Sprint(req.ExpirySeconds), fmt.Sprintf("expiry_seconds must not exceed %d", maxExpirySeconds))
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	hunt := &domain.Hunt{
		ID:               uuid.New().String(),
		Description:      strings.TrimSpace(req.Description),
		FlowName:         req.FlowName,
		FlowArgs:         args,
		Predicates:       req.Predicates,
		CollectReplies:   true,
		RequiresApproval: s.policy.RequireApproval,
		State:            domain.HuntDraft,
		ExpirySeconds:    req.ExpirySeconds,
		Creator:          creator,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if hunt.Predicates == nil {
		hunt.Predicates = []domain.Predicate{}
	}
	if req.CollectReplies != nil {
		hunt.CollectReplies = *req.CollectReplies
	}
	if req.RequiresApproval != nil && *req.RequiresApproval {
		hunt.RequiresApproval = true
	}

	if err := s.store.CreateHunt(ctx, hunt); err != nil {
		return nil, fmt.Errorf("failed to create hunt: %w", err)
	}
	s.transitioned(hunt)
	return hunt, nil
}

// RequestActivation moves a DRAFT hunt forward. Gated hunts open an
// approval request and wait in PENDING_APPROVAL; ungated hunts install
// their rule and become ACTIVE immediately.
func (s *Service) RequestActivation(ctx context.Context, id, actor string, in *domain.ActivateHuntRequest) (*domain.Hunt, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	hunt, err := s.store.GetHunt(ctx, id)
	if err != nil {
		return nil, err
	}
	if hunt.State != domain.HuntDraft {
		return nil, fmt.Errorf("%w: cannot activate hunt in state %s", domain.ErrInvalidTransition, hunt.State)
	}

	if !hunt.RequiresApproval {
		if err := s.activate(ctx, hunt); err != nil {
			return nil, err
		}
		return hunt, nil
	}

	if in == nil {
		in = &domain.ActivateHuntRequest{}
	}
	req, err := s.approvals.Open(ctx, domain.OpenApprovalRequest{
		HuntID:     hunt.ID,
		Requestor:  actor,
		Reason:     in.Reason,
		Candidates: in.Approvers,
		EmailCC:    in.EmailCC,
	})
	if err != nil {
		return nil, err
	}

	hunt.State = domain.HuntPendingApproval
	hunt.ApprovalID = req.ID
	hunt.UpdatedAt = s.now()
	if err := s.store.UpdateHunt(ctx, hunt); err != nil {
		if _, cerr := s.approvals.Cancel(ctx, req.ID, actor); cerr != nil {
			s.logger.Error().Err(cerr).Str("approval_id", req.ID).Msg("Failed to cancel orphaned approval request")
		}
		return nil, fmt.Errorf("failed to update hunt: %w", err)
	}
	s.transitioned(hunt)
	return hunt, nil
}

// Approve records approver's grant on the hunt's open request. The hunt
// becomes ACTIVE once the request reaches the approval threshold. If the
// rule cannot be installed the error is returned and the hunt stays
// PENDING_APPROVAL; approving again retries the activation.
func (s *Service) Approve(ctx context.Context, id, approver string) (*domain.Hunt, error) {
	hunt, err := s.store.GetHunt(ctx, id)
	if err != nil {
		return nil, err
	}
	if hunt.State.Terminal() {
		return nil, fmt.Errorf("%w: hunt is %s", domain.ErrInvalidTransition, hunt.State)
	}
	if hunt.State != domain.HuntPendingApproval && hunt.ApprovalID == "" {
		return nil, fmt.Errorf("%w: hunt in state %s has no approval request", domain.ErrInvalidTransition, hunt.State)
	}

	// The hunt lock is not held here: reaching the threshold activates the
	// hunt from the coordinator's granted listener, which takes it.
	_, grantErr := s.approvals.Grant(ctx, hunt.ApprovalID, approver)
	if grantErr != nil {
		if !errors.Is(grantErr, domain.ErrRequestClosed) {
			return nil, grantErr
		}
		if hunt.State != domain.HuntPendingApproval {
			return nil, fmt.Errorf("%w: hunt in state %s cannot be approved", domain.ErrInvalidTransition, hunt.State)
		}
	}
	if err := s.finishActivation(ctx, id, grantErr); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// finishActivation activates a hunt whose request is GRANTED but which is
// still PENDING_APPROVAL, either because the granted listener failed or
// because it has not run yet. grantErr is returned when the request was
// not granted.
func (s *Service) finishActivation(ctx context.Context, id string, grantErr error) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	hunt, err := s.store.GetHunt(ctx, id)
	if err != nil {
		return err
	}
	if hunt.State != domain.HuntPendingApproval {
		return nil
	}
	req, err := s.store.GetApprovalRequest(ctx, hunt.ApprovalID)
	if err != nil {
		return err
	}
	if req.State != domain.ApprovalGranted {
		return grantErr
	}
	return s.activate(ctx, hunt)
}

// Stop moves a PENDING_APPROVAL or ACTIVE hunt to STOPPED. An installed
// rule is removed and an open approval request is cancelled.
func (s *Service) Stop(ctx context.Context, id, actor string) (*domain.Hunt, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	hunt, err := s.store.GetHunt(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.stop(ctx, hunt, actor, domain.StopReasonOperator); err != nil {
		return nil, err
	}
	return hunt, nil
}

// stop must be called with the hunt lock held.
func (s *Service) stop(ctx context.Context, hunt *domain.Hunt, actor, reason string) error {
	if hunt.State.Terminal() {
		return fmt.Errorf("%w: hunt is already %s", domain.ErrInvalidTransition, hunt.State)
	}
	switch hunt.State {
	case domain.HuntPendingApproval:
		if _, err := s.approvals.Cancel(ctx, hunt.ApprovalID, actor); err != nil && !approval.IsClosed(err) {
			return fmt.Errorf("failed to cancel approval request: %w", err)
		}
	case domain.HuntActive:
		count, err := s.store.CountProcessedMarkers(ctx, hunt.RuleID)
		if err != nil {
			return fmt.Errorf("failed to count clients: %w", err)
		}
		hunt.ClientCount = count
		if err := s.engine.Remove(ctx, hunt.RuleID); err != nil {
			return fmt.Errorf("failed to remove rule: %w", err)
		}
	default:
		return fmt.Errorf("%w: cannot stop hunt in state %s", domain.ErrInvalidTransition, hunt.State)
	}
	if err := s.removeRules(ctx, hunt.ID); err != nil {
		return err
	}

	now := s.now()
	hunt.State = domain.HuntStopped
	hunt.StopReason = reason
	hunt.StoppedAt = &now
	hunt.UpdatedAt = now
	if err := s.store.UpdateHunt(ctx, hunt); err != nil {
		return fmt.Errorf("failed to update hunt: %w", err)
	}
	s.transitioned(hunt)
	return nil
}

// activate installs the hunt's rule and marks it ACTIVE. It must be called
// with the hunt lock held.
func (s *Service) activate(ctx context.Context, hunt *domain.Hunt) error {
	now := s.now()
	rule := s.buildRule(hunt, now)
	if err := s.engine.Install(ctx, rule); err != nil {
		return fmt.Errorf("failed to install rule: %w", err)
	}

	hunt.State = domain.HuntActive
	hunt.RuleID = rule.ID
	hunt.ActivatedAt = &now
	hunt.UpdatedAt = now
	if err := s.store.UpdateHunt(ctx, hunt); err != nil {
		if rerr := s.engine.Remove(ctx, rule.ID); rerr != nil {
			s.logger.Error().Err(rerr).Str("rule_id", rule.ID).Msg("Failed to roll back rule install")
		}
		return fmt.Errorf("failed to update hunt: %w", err)
	}
	s.transitioned(hunt)
	return nil
}

// removeRules removes every installed rule owned by huntID. Besides the
// hunt's own rule this catches one left behind when rolling back a failed
// activation also failed.
func (s *Service) removeRules(ctx context.Context, huntID string) error {
	for _, r := range s.engine.RulesForHunt(huntID) {
		if err := s.engine.Remove(ctx, r.ID); err != nil {
			return fmt.Errorf("failed to remove rule: %w", err)
		}
	}
	return nil
}

func (s *Service) buildRule(hunt *domain.Hunt, now time.Time) *domain.Rule {
	expiry := s.policy.RuleExpiry
	if hunt.ExpirySeconds > 0 {
		expiry = time.Duration(hunt.ExpirySeconds) * time.Second
	}
	regex, ints := domain.ExpandPredicates(hunt.Predicates)
	return &domain.Rule{
		ID:           uuid.New().String(),
		HuntID:       hunt.ID,
		RegexRules:   regex,
		IntegerRules: ints,
		Actions: []domain.Action{{
			HuntID:         hunt.ID,
			FlowName:       hunt.FlowName,
			FlowArgs:       hunt.FlowArgs,
			CollectReplies: hunt.CollectReplies,
		}},
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
	}
}

func (s *Service) handleGranted(ctx context.Context, req *domain.ApprovalRequest) {
	unlock := s.locks.Lock(req.HuntID)
	defer unlock()

	hunt, err := s.store.GetHunt(ctx, req.HuntID)
	if err != nil {
		s.logger.Error().Err(err).Str("hunt_id", req.HuntID).Msg("Granted approval for unknown hunt")
		return
	}
	if hunt.State != domain.HuntPendingApproval || hunt.ApprovalID != req.ID {
		s.logger.Warn().
			Str("hunt_id", hunt.ID).
			Str("state", string(hunt.State)).
			Str("approval_id", req.ID).
			Msg("Ignoring approval for hunt that is no longer pending")
		return
	}
	if err := s.activate(ctx, hunt); err != nil {
		s.logger.Error().Err(err).Str("hunt_id", hunt.ID).Msg("Failed to activate approved hunt")
	}
}

func (s *Service) handleDenied(ctx context.Context, req *domain.ApprovalRequest) {
	unlock := s.locks.Lock(req.HuntID)
	defer unlock()

	hunt, err := s.store.GetHunt(ctx, req.HuntID)
	if err != nil {
		s.logger.Error().Err(err).Str("hunt_id", req.HuntID).Msg("Denied approval for unknown hunt")
		return
	}
	if hunt.State != domain.HuntPendingApproval || hunt.ApprovalID != req.ID {
		return
	}

	// The request is already DENIED; only the hunt needs to move.
	now := s.now()
	hunt.State = domain.HuntStopped
	hunt.StopReason = domain.StopReasonDenied
	hunt.StoppedAt = &now
	hunt.UpdatedAt = now
	if err := s.store.UpdateHunt(ctx, hunt); err != nil {
		s.logger.Error().Err(err).Str("hunt_id", hunt.ID).Msg("Failed to stop denied hunt")
		return
	}
	s.transitioned(hunt)
}

func (s *Service) handleExpiredRule(ctx context.Context, rule *domain.Rule) {
	unlock := s.locks.Lock(rule.HuntID)
	defer unlock()

	hunt, err := s.store.GetHunt(ctx, rule.HuntID)
	if err != nil {
		s.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Expired rule has no hunt")
		return
	}
	if hunt.State != domain.HuntActive || hunt.RuleID != rule.ID {
		return
	}
	if err := s.stop(ctx, hunt, "", domain.StopReasonExpired); err != nil {
		s.logger.Error().Err(err).Str("hunt_id", hunt.ID).Msg("Failed to stop expired hunt")
	}
}

// Get returns a hunt with its current client count.
func (s *Service) Get(ctx context.Context, id string) (*domain.Hunt, error) {
	hunt, err := s.store.GetHunt(ctx, id)
	if err != nil {
		return nil, err
	}
	if hunt.State == domain.HuntActive {
		hunt.ClientCount = s.engine.ProcessedCount(hunt.RuleID)
	}
	return hunt, nil
}

// List returns hunts matching filter, oldest first.
func (s *Service) List(ctx context.Context, filter domain.HuntListFilter) ([]*domain.Hunt, error) {
	hunts, err := s.store.ListHunts(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, h := range hunts {
		if h.State == domain.HuntActive {
			h.ClientCount = s.engine.ProcessedCount(h.RuleID)
		}
	}
	return hunts, nil
}

// Rule returns the rule installed for an ACTIVE hunt.
func (s *Service) Rule(ctx context.Context, id string) (*domain.Rule, error) {
	hunt, err := s.store.GetHunt(ctx, id)
	if err != nil {
		return nil, err
	}
	if hunt.State != domain.HuntActive {
		return nil, domain.ErrNotFound
	}
	rule, ok := s.engine.Rule(hunt.RuleID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rule, nil
}

// Preview evaluates the hunt's targeting against the last snapshot of
// every known endpoint without dispatching anything.
func (s *Service) Preview(ctx context.Context, id string) (*domain.PreviewResponse, error) {
	hunt, err := s.store.GetHunt(ctx, id)
	if err != nil {
		return nil, err
	}
	endpoints, err := s.store.ListEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}

	rule := s.buildRule(hunt, s.now())
	resp := &domain.PreviewResponse{Checked: len(endpoints), Endpoints: []string{}}
	for _, ep := range endpoints {
		ok, err := foreman.Matches(rule, ep.Attributes)
		if err != nil {
			return nil, err
		}
		if ok {
			resp.Matched++
			resp.Endpoints = append(resp.Endpoints, ep.ID)
		}
	}
	return resp, nil
}

// ParseState converts a query value into a hunt state filter. The empty
// string matches every state.
func ParseState(s string) (domain.HuntState, error) {
	st := domain.HuntState(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case "", domain.HuntDraft, domain.HuntPendingApproval, domain.HuntActive, domain.HuntStopped:
		return st, nil
	default:
		return "", validation.NewValidationError("state", s, "state must be one of DRAFT, PENDING_APPROVAL, ACTIVE, STOPPED")
	}
}

func (s *Service) transitioned(hunt *domain.Hunt) {
	s.metrics.HuntTransitions.WithLabelValues(string(hunt.State)).Inc()
	ev := s.logger.Info().
		Str("hunt_id", hunt.ID).
		Str("state", string(hunt.State))
	if hunt.RuleID != "" {
		ev = ev.Str("rule_id", hunt.RuleID)
	}
	if hunt.StopReason != "" {
		ev = ev.Str("stop_reason", hunt.StopReason)
	}
	ev.Msg("Hunt transitioned")
}
