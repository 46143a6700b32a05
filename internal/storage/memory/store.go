package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/storage"
)

// Store is an in-memory implementation of the storage interface for testing.
// Records are copied on the way in and out so callers never share state
// with the store.
type Store struct {
	mu sync.RWMutex

	apiKeys   map[string]*domain.APIKey
	hunts     map[string]*domain.Hunt
	rules     map[string]*domain.Rule
	ruleOrder []string
	markers   map[string]map[string]*domain.ProcessedMarker // key: ruleID -> endpointID
	approvals map[string]*domain.ApprovalRequest
	endpoints map[string]*domain.Endpoint
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		apiKeys:   make(map[string]*domain.APIKey),
		hunts:     make(map[string]*domain.Hunt),
		rules:     make(map[string]*domain.Rule),
		markers:   make(map[string]map[string]*domain.ProcessedMarker),
		approvals: make(map[string]*domain.ApprovalRequest),
		endpoints: make(map[string]*domain.Endpoint),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return &Tx{store: s}, nil
}

// Tx is a no-op transaction for in-memory store.
type Tx struct {
	store *Store
}

func (t *Tx) Commit() error   { return nil }
func (t *Tx) Rollback() error { return nil }
func (t *Tx) Close() error    { return nil }
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, domain.ErrInvalidInput
}

// Forward all Tx methods to the underlying store
func (t *Tx) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return t.store.CreateAPIKey(ctx, key)
}
func (t *Tx) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return t.store.GetAPIKeyByHash(ctx, keyHash)
}
func (t *Tx) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return t.store.ListAPIKeys(ctx)
}
func (t *Tx) DeleteAPIKey(ctx context.Context, id string) error {
	return t.store.DeleteAPIKey(ctx, id)
}
func (t *Tx) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return t.store.UpdateAPIKeyLastUsed(ctx, id)
}
func (t *Tx) CountAPIKeys(ctx context.Context) (int, error) {
	return t.store.CountAPIKeys(ctx)
}
func (t *Tx) CreateHunt(ctx context.Context, hunt *domain.Hunt) error {
	return t.store.CreateHunt(ctx, hunt)
}
func (t *Tx) GetHunt(ctx context.Context, id string) (*domain.Hunt, error) {
	return t.store.GetHunt(ctx, id)
}
func (t *Tx) ListHunts(ctx context.Context, filter domain.HuntListFilter) ([]*domain.Hunt, error) {
	return t.store.ListHunts(ctx, filter)
}
func (t *Tx) UpdateHunt(ctx context.Context, hunt *domain.Hunt) error {
	return t.store.UpdateHunt(ctx, hunt)
}
func (t *Tx) CreateRule(ctx context.Context, rule *domain.Rule) error {
	return t.store.CreateRule(ctx, rule)
}
func (t *Tx) GetRule(ctx context.Context, id string) (*domain.Rule, error) {
	return t.store.GetRule(ctx, id)
}
func (t *Tx) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	return t.store.ListRules(ctx)
}
func (t *Tx) DeleteRule(ctx context.Context, id string) error {
	return t.store.DeleteRule(ctx, id)
}
func (t *Tx) CreateProcessedMarker(ctx context.Context, marker *domain.ProcessedMarker) error {
	return t.store.CreateProcessedMarker(ctx, marker)
}
func (t *Tx) ListProcessedMarkers(ctx context.Context, ruleID string) ([]*domain.ProcessedMarker, error) {
	return t.store.ListProcessedMarkers(ctx, ruleID)
}
func (t *Tx) CountProcessedMarkers(ctx context.Context, ruleID string) (int, error) {
	return t.store.CountProcessedMarkers(ctx, ruleID)
}
func (t *Tx) DeleteProcessedMarkers(ctx context.Context, ruleID string) error {
	return t.store.DeleteProcessedMarkers(ctx, ruleID)
}
func (t *Tx) CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	return t.store.CreateApprovalRequest(ctx, req)
}
func (t *Tx) GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return t.store.GetApprovalRequest(ctx, id)
}
func (t *Tx) ListApprovalRequests(ctx context.Context, filter domain.ApprovalListFilter) ([]*domain.ApprovalRequest, error) {
	return t.store.ListApprovalRequests(ctx, filter)
}
func (t *Tx) UpdateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	return t.store.UpdateApprovalRequest(ctx, req)
}
func (t *Tx) UpsertEndpoint(ctx context.Context, endpoint *domain.Endpoint) error {
	return t.store.UpsertEndpoint(ctx, endpoint)
}
func (t *Tx) GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	return t.store.GetEndpoint(ctx, id)
}
func (t *Tx) ListEndpoints(ctx context.Context) ([]*domain.Endpoint, error) {
	return t.store.ListEndpoints(ctx)
}

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[key.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, existing := range s.apiKeys {
		if existing.Name == key.Name {
			return domain.ErrAlreadyExists
		}
	}
	k := *key
	s.apiKeys[key.ID] = &k
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.apiKeys {
		if key.KeyHash == keyHash {
			k := *key
			return &k, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*domain.APIKey, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		k := *key
		keys = append(keys, &k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.apiKeys, id)
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, exists := s.apiKeys[id]
	if !exists {
		return domain.ErrNotFound
	}
	now := time.Now()
	key.LastUsedAt = &now
	return nil
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apiKeys), nil
}

// ============================================
// Hunts
// ============================================

func (s *Store) CreateHunt(ctx context.Context, hunt *domain.Hunt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.hunts[hunt.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.hunts[hunt.ID] = cloneHunt(hunt)
	return nil
}

func (s *Store) GetHunt(ctx context.Context, id string) (*domain.Hunt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hunt, exists := s.hunts[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return cloneHunt(hunt), nil
}

func (s *Store) ListHunts(ctx context.Context, filter domain.HuntListFilter) ([]*domain.Hunt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hunts := make([]*domain.Hunt, 0, len(s.hunts))
	for _, hunt := range s.hunts {
		if filter.State != "" && hunt.State != filter.State {
			continue
		}
		hunts = append(hunts, cloneHunt(hunt))
	}
	sort.Slice(hunts, func(i, j int) bool { return hunts[i].CreatedAt.Before(hunts[j].CreatedAt) })
	return hunts, nil
}

func (s *Store) UpdateHunt(ctx context.Context, hunt *domain.Hunt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.hunts[hunt.ID]; !exists {
		return domain.ErrNotFound
	}
	s.hunts[hunt.ID] = cloneHunt(hunt)
	return nil
}

// ============================================
// Rules
// ============================================

func (s *Store) CreateRule(ctx context.Context, rule *domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[rule.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.rules[rule.ID] = cloneRule(rule)
	s.ruleOrder = append(s.ruleOrder, rule.ID)
	return nil
}

func (s *Store) GetRule(ctx context.Context, id string) (*domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, exists := s.rules[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return cloneRule(rule), nil
}

func (s *Store) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]*domain.Rule, 0, len(s.ruleOrder))
	for _, id := range s.ruleOrder {
		rules = append(rules, cloneRule(s.rules[id]))
	}
	return rules, nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.rules, id)
	s.ruleOrder = slices.DeleteFunc(s.ruleOrder, func(rid string) bool { return rid == id })
	return nil
}

// ============================================
// Processed markers
// ============================================

func (s *Store) CreateProcessedMarker(ctx context.Context, marker *domain.ProcessedMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byEndpoint, ok := s.markers[marker.RuleID]
	if !ok {
		byEndpoint = make(map[string]*domain.ProcessedMarker)
		s.markers[marker.RuleID] = byEndpoint
	}
	if _, exists := byEndpoint[marker.EndpointID]; exists {
		return domain.ErrAlreadyExists
	}
	m := *marker
	byEndpoint[marker.EndpointID] = &m
	return nil
}

func (s *Store) ListProcessedMarkers(ctx context.Context, ruleID string) ([]*domain.ProcessedMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	markers := make([]*domain.ProcessedMarker, 0, len(s.markers[ruleID]))
	for _, marker := range s.markers[ruleID] {
		m := *marker
		markers = append(markers, &m)
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i].EndpointID < markers[j].EndpointID })
	return markers, nil
}

func (s *Store) CountProcessedMarkers(ctx context.Context, ruleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markers[ruleID]), nil
}

func (s *Store) DeleteProcessedMarkers(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, ruleID)
	return nil
}

// ============================================
// Approval requests
// ============================================

func (s *Store) CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[req.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.approvals[req.ID] = cloneApproval(req)
	return nil
}

func (s *Store) GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, exists := s.approvals[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return cloneApproval(req), nil
}

func (s *Store) ListApprovalRequests(ctx context.Context, filter domain.ApprovalListFilter) ([]*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reqs := make([]*domain.ApprovalRequest, 0)
	for _, req := range s.approvals {
		if filter.HuntID != "" && req.HuntID != filter.HuntID {
			continue
		}
		if filter.State != "" && req.State != filter.State {
			continue
		}
		reqs = append(reqs, cloneApproval(req))
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs, nil
}

func (s *Store) UpdateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[req.ID]; !exists {
		return domain.ErrNotFound
	}
	s.approvals[req.ID] = cloneApproval(req)
	return nil
}

// ============================================
// Endpoints
// ============================================

func (s *Store) UpsertEndpoint(ctx context.Context, endpoint *domain.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[endpoint.ID] = &domain.Endpoint{
		ID:         endpoint.ID,
		Attributes: endpoint.Attributes.Clone(),
		LastSeen:   endpoint.LastSeen,
	}
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, exists := s.endpoints[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return &domain.Endpoint{ID: ep.ID, Attributes: ep.Attributes.Clone(), LastSeen: ep.LastSeen}, nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*domain.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eps := make([]*domain.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, &domain.Endpoint{ID: ep.ID, Attributes: ep.Attributes.Clone(), LastSeen: ep.LastSeen})
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].ID < eps[j].ID })
	return eps, nil
}

func cloneHunt(h *domain.Hunt) *domain.Hunt {
	c := *h
	c.FlowArgs = maps.Clone(h.FlowArgs)
	c.Predicates = slices.Clone(h.Predicates)
	if h.ActivatedAt != nil {
		t := *h.ActivatedAt
		c.ActivatedAt = &t
	}
	if h.StoppedAt != nil {
		t := *h.StoppedAt
		c.StoppedAt = &t
	}
	return &c
}

func cloneRule(r *domain.Rule) *domain.Rule {
	c := *r
	c.RegexRules = slices.Clone(r.RegexRules)
	c.IntegerRules = slices.Clone(r.IntegerRules)
	c.Actions = make([]domain.Action, len(r.Actions))
	for i, a := range r.Actions {
		a.FlowArgs = maps.Clone(a.FlowArgs)
		c.Actions[i] = a
	}
	return &c
}

func cloneApproval(r *domain.ApprovalRequest) *domain.ApprovalRequest {
	c := *r
	c.Candidates = slices.Clone(r.Candidates)
	c.EmailCC = slices.Clone(r.EmailCC)
	c.Grants = slices.Clone(r.Grants)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
