// Package approval gates hunt activation behind operator approval requests.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/keylock"
	"github.com/bcnelson/hunt-foreman/internal/logging"
	"github.com/bcnelson/hunt-foreman/internal/metrics"
	"github.com/bcnelson/hunt-foreman/internal/notify"
	"github.com/bcnelson/hunt-foreman/internal/storage"
	"github.com/bcnelson/hunt-foreman/internal/validation"
)

// Policy controls how approval requests are resolved.
type Policy struct {
	// Threshold is the number of distinct grants needed. Values below 1
	// are treated as 1.
	Threshold int
	// AllowSelfApproval lets the requestor grant their own request.
	AllowSelfApproval bool
	// Expiry bounds how long a request accepts grants. Zero disables expiry.
	Expiry time.Duration
}

// Listener is told about resolved requests. Listeners run after the
// request is persisted and outside any coordinator lock.
type Listener func(ctx context.Context, req *domain.ApprovalRequest)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logging.WithComponent(l, "approval") }
}

// WithMetrics sets the collectors the coordinator reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the coordinator time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator opens approval requests and counts grants toward the policy
// threshold. Grants on one request are serialized, so concurrent approvers
// are each counted once and the threshold is crossed exactly once.
type Coordinator struct {
	store    storage.Storage
	notifier notify.Notifier
	policy   Policy
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	locks    *keylock.Locker

	listenerMu sync.RWMutex
	onGranted  []Listener
	onDenied   []Listener
}

// New creates a coordinator.
func New(store storage.Storage, notifier notify.Notifier, policy Policy, opts ...Option) *Coordinator {
	if policy.Threshold < 1 {
		policy.Threshold = 1
	}
	c := &Coordinator{
		store:    store,
		notifier: notifier,
		policy:   policy,
		logger:   zerolog.Nop(),
		now:      time.Now,
		locks:    keylock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewUnregistered()
	}
	return c
}

// Policy returns the coordinator's policy.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// OnGranted registers a listener for requests reaching the threshold.
func (c *Coordinator) OnGranted(l Listener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.onGranted = append(c.onGranted, l)
}

// OnDenied registers a listener for denied requests. Cancelled requests
// are not reported.
func (c *Coordinator) OnDenied(l Listener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.onDenied = append(c.onDenied, l)
}

// Open creates an OPEN request for a hunt. It fails with
// domain.ErrDuplicateRequest if the hunt already has an open request.
func (c *Coordinator) Open(ctx context.Context, in domain.OpenApprovalRequest) (*domain.ApprovalRequest, error) {
	var errs validation.ValidationErrors
	if strings.TrimSpace(in.Reason) == "" {
		errs.Add("reason", in.Reason, "reason is required")
	}
	if err := validation.ValidateIdentity(in.Requestor); err != nil {
		errs.Add("requestor", in.Requestor, err.Error())
	}
	errs.Merge(validation.ValidateIdentities("approvers", in.Candidates))
	errs.Merge(validation.ValidateEmails("email_cc", in.EmailCC))
	if err := errs.Err(); err != nil {
		return nil, err
	}

	unlock := c.locks.Lock("hunt:" + in.HuntID)
	defer unlock()

	if _, err := c.FindOpen(ctx, in.HuntID); err == nil {
		return nil, domain.ErrDuplicateRequest
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}

	now := c.now()
	req := &domain.ApprovalRequest{
		ID:         uuid.New().String(),
		HuntID:     in.HuntID,
		Requestor:  in.Requestor,
		Reason:     strings.TrimSpace(in.Reason),
		Candidates: dedupe(in.Candidates),
		EmailCC:    dedupe(in.EmailCC),
		Grants:     []domain.ApprovalGrant{},
		State:      domain.ApprovalOpen,
		CreatedAt:  now,
	}
	if c.policy.Expiry > 0 {
		req.ExpiresAt = now.Add(c.policy.Expiry)
	}
	if err := c.store.CreateApprovalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	c.logger.Info().
		Str("approval_id", req.ID).
		Str("hunt_id", req.HuntID).
		Str("requestor", req.Requestor).
		Strs("approvers", req.Candidates).
		Msg("Approval requested")
	c.notify(ctx, notify.EventApprovalRequested, req, req.Requestor)
	return req, nil
}

// Grant records approver's consent. Repeated grants by the same approver
// are counted once and are not an error. When the threshold is reached the
// request becomes GRANTED and the granted listeners are called.
func (c *Coordinator) Grant(ctx context.Context, requestID, approver string) (*domain.ApprovalRequest, error) {
	if err := validation.ValidateIdentity(approver); err != nil {
		return nil, validation.NewValidationError("approver", approver, err.Error())
	}

	req, granted, err := c.grant(ctx, requestID, approver)
	if err != nil {
		return nil, err
	}
	if granted {
		c.metrics.ApprovalsResolved.WithLabelValues(string(domain.ApprovalGranted)).Inc()
		c.logger.Info().
			Str("approval_id", req.ID).
			Str("hunt_id", req.HuntID).
			Strs("granted_by", req.GrantedBy()).
			Msg("Approval granted")
		c.notify(ctx, notify.EventApprovalGranted, req, approver)
		c.fire(ctx, c.grantedListeners(), req)
	}
	return req, nil
}

func (c *Coordinator) grant(ctx context.Context, requestID, approver string) (*domain.ApprovalRequest, bool, error) {
	unlock := c.locks.Lock(requestID)
	defer unlock()

	req, err := c.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	if req.HasGrantFrom(approver) {
		return req, false, nil
	}
	if req.State != domain.ApprovalOpen {
		return nil, false, domain.ErrRequestClosed
	}
	now := c.now()
	if req.Expired(now) {
		return nil, false, domain.ErrApprovalExpired
	}
	if !c.policy.AllowSelfApproval && approver == req.Requestor {
		return nil, false, domain.ErrSelfApproval
	}

	req.Grants = append(req.Grants, domain.ApprovalGrant{Grantor: approver, GrantedAt: now})
	granted := len(req.Grants) >= c.policy.Threshold
	if granted {
		req.State = domain.ApprovalGranted
		req.ResolvedAt = &now
	}
	if err := c.store.UpdateApprovalRequest(ctx, req); err != nil {
		return nil, false, fmt.Errorf("failed to update approval request: %w", err)
	}

	c.logger.Debug().
		Str("approval_id", req.ID).
		Str("approver", approver).
		Int("grants", len(req.Grants)).
		Int("threshold", c.policy.Threshold).
		Msg("Grant recorded")
	return req, granted, nil
}

// Deny marks an open request DENIED and calls the denied listeners.
func (c *Coordinator) Deny(ctx context.Context, requestID, actor string) (*domain.ApprovalRequest, error) {
	req, err := c.close(ctx, requestID)
	if err != nil {
		return nil, err
	}
	c.logger.Info().
		Str("approval_id", req.ID).
		Str("hunt_id", req.HuntID).
		Str("actor", actor).
		Msg("Approval denied")
	c.notify(ctx, notify.EventApprovalDenied, req, actor)
	c.fire(ctx, c.deniedListeners(), req)
	return req, nil
}

// Cancel marks an open request DENIED on behalf of its hunt. Listeners
// are not called; the caller already owns the hunt transition.
func (c *Coordinator) Cancel(ctx context.Context, requestID, actor string) (*domain.ApprovalRequest, error) {
	req, err := c.close(ctx, requestID)
	if err != nil {
		return nil, err
	}
	c.logger.Info().
		Str("approval_id", req.ID).
		Str("hunt_id", req.HuntID).
		Str("actor", actor).
		Msg("Approval cancelled")
	c.notify(ctx, notify.EventApprovalDenied, req, actor)
	return req, nil
}

func (c *Coordinator) close(ctx context.Context, requestID string) (*domain.ApprovalRequest, error) {
	unlock := c.locks.Lock(requestID)
	defer unlock()

	req, err := c.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.State != domain.ApprovalOpen {
		return nil, domain.ErrRequestClosed
	}
	now := c.now()
	req.State = domain.ApprovalDenied
	req.ResolvedAt = &now
	if err := c.store.UpdateApprovalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to update approval request: %w", err)
	}
	c.metrics.ApprovalsResolved.WithLabelValues(string(domain.ApprovalDenied)).Inc()
	return req, nil
}

// Get returns the request with the given id.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.ApprovalView, error) {
	req, err := c.store.GetApprovalRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.View(req), nil
}

// FindOpen returns the hunt's open request.
func (c *Coordinator) FindOpen(ctx context.Context, huntID string) (*domain.ApprovalRequest, error) {
	reqs, err := c.store.ListApprovalRequests(ctx, domain.ApprovalListFilter{HuntID: huntID, State: domain.ApprovalOpen})
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, domain.ErrNotFound
	}
	return reqs[0], nil
}

// List returns requests matching filter, oldest first.
func (c *Coordinator) List(ctx context.Context, filter domain.ApprovalListFilter) ([]*domain.ApprovalView, error) {
	reqs, err := c.store.ListApprovalRequests(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]*domain.ApprovalView, len(reqs))
	for i, r := range reqs {
		views[i] = c.View(r)
	}
	return views, nil
}

// View decorates req with its validity as seen now.
func (c *Coordinator) View(req *domain.ApprovalRequest) *domain.ApprovalView {
	v := &domain.ApprovalView{ApprovalRequest: req, GrantedBy: req.GrantedBy()}
	switch {
	case req.State == domain.ApprovalGranted:
		v.IsValid = true
	case req.State == domain.ApprovalDenied:
		v.IsValidMessage = "Approval request was denied."
	case req.Expired(c.now()):
		v.IsValidMessage = "Approval request is expired."
	default:
		missing := c.policy.Threshold - len(req.Grants)
		v.IsValidMessage = fmt.Sprintf("Need at least %d additional approver(s) for access.", missing)
	}
	return v
}

// ParseStateFilter converts a query value into a state filter. The empty
// string and "any" match every state.
func ParseStateFilter(s string) (domain.ApprovalState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ANY":
		return "", nil
	case string(domain.ApprovalOpen):
		return domain.ApprovalOpen, nil
	case string(domain.ApprovalGranted):
		return domain.ApprovalGranted, nil
	case string(domain.ApprovalDenied):
		return domain.ApprovalDenied, nil
	default:
		return "", validation.NewValidationError("state", s, "state must be one of any, open, granted, denied")
	}
}

func (c *Coordinator) notify(ctx context.Context, typ notify.EventType, req *domain.ApprovalRequest, actor string) {
	if c.notifier == nil {
		return
	}
	// Delivery is best effort; the request itself is already persisted.
	if err := c.notifier.Notify(ctx, notify.NewEvent(typ, req, actor, c.now())); err != nil {
		c.logger.Warn().Err(err).
			Str("approval_id", req.ID).
			Str("event", string(typ)).
			Msg("Failed to deliver approval notification")
	}
}

func (c *Coordinator) grantedListeners() []Listener {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	return append([]Listener(nil), c.onGranted...)
}

func (c *Coordinator) deniedListeners() []Listener {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	return append([]Listener(nil), c.onDenied...)
}

func (c *Coordinator) fire(ctx context.Context, listeners []Listener, req *domain.ApprovalRequest) {
	for _, l := range listeners {
		l(ctx, req)
	}
}

// IsClosed reports whether err means the request can no longer change.
func IsClosed(err error) bool {
	return errors.Is(err, domain.ErrRequestClosed) || errors.Is(err, domain.ErrApprovalExpired)
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
