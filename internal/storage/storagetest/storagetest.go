// Package storagetest holds behaviour tests shared by every storage.Storage
// implementation.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/storage"
)

// Run exercises store against the contract documented on storage.Storage.
// newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newStore(t)) })
	t.Run("Hunts", func(t *testing.T) { testHunts(t, newStore(t)) })
	t.Run("Rules", func(t *testing.T) { testRules(t, newStore(t)) })
	t.Run("ProcessedMarkers", func(t *testing.T) { testMarkers(t, newStore(t)) })
	t.Run("ApprovalRequests", func(t *testing.T) { testApprovals(t, newStore(t)) })
	t.Run("Endpoints", func(t *testing.T) { testEndpoints(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testAPIKeys(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	key := &domain.APIKey{ID: "k1", Name: "alice", KeyHash: "hash-1", KeyPrefix: "hf_abcd", CreatedAt: base}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.ErrorIs(t, s.CreateAPIKey(ctx, &domain.APIKey{
		ID: "k2", Name: "alice", KeyHash: "hash-2", KeyPrefix: "hf_efgh", CreatedAt: base,
	}), domain.ErrAlreadyExists)

	got, err := s.GetAPIKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.Nil(t, got.LastUsedAt)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, "k1"))
	got, err = s.GetAPIKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	count, err := s.CountAPIKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, s.DeleteAPIKey(ctx, "k1"), domain.ErrNotFound)
	_, err = s.GetAPIKeyByHash(ctx, "hash-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testHunts(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	hunt := &domain.Hunt{
		ID:             "h1",
		FlowName:       "DownloadDirectory",
		FlowArgs:       map[string]any{"pathspec_path": "/tmp", "depth": int64(3)},
		Predicates:     []domain.Predicate{domain.OSClassPredicate(domain.OSLinux), domain.IntegerPredicate("Clock", domain.OperatorGreaterThan, 42)},
		CollectReplies: true,
		State:          domain.HuntDraft,
		Creator:        "alice",
		CreatedAt:      base,
		UpdatedAt:      base,
	}
	require.NoError(t, s.CreateHunt(ctx, hunt))
	assert.ErrorIs(t, s.CreateHunt(ctx, hunt), domain.ErrAlreadyExists)

	got, err := s.GetHunt(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, hunt.FlowArgs, got.FlowArgs)
	assert.Equal(t, hunt.Predicates, got.Predicates)
	assert.True(t, got.CollectReplies)
	assert.Equal(t, domain.HuntDraft, got.State)

	activated := base.Add(time.Minute)
	got.State = domain.HuntActive
	got.RuleID = "r1"
	got.ActivatedAt = &activated
	got.ClientCount = 7
	require.NoError(t, s.UpdateHunt(ctx, got))

	require.NoError(t, s.CreateHunt(ctx, &domain.Hunt{
		ID: "h2", FlowName: "Interrogate", State: domain.HuntDraft, Creator: "bob",
		CreatedAt: base.Add(time.Second), UpdatedAt: base.Add(time.Second),
	}))

	active, err := s.ListHunts(ctx, domain.HuntListFilter{State: domain.HuntActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "r1", active[0].RuleID)
	assert.Equal(t, 7, active[0].ClientCount)
	require.NotNil(t, active[0].ActivatedAt)
	assert.True(t, activated.Equal(*active[0].ActivatedAt))

	all, err := s.ListHunts(ctx, domain.HuntListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "h1", all[0].ID)
	assert.Equal(t, "h2", all[1].ID)

	assert.ErrorIs(t, s.UpdateHunt(ctx, &domain.Hunt{ID: "missing"}), domain.ErrNotFound)
	_, err = s.GetHunt(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testRules(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	newRule := func(id string) *domain.Rule {
		return &domain.Rule{
			ID:     id,
			HuntID: "hunt-" + id,
			RegexRules: []domain.RegexRule{
				{AttributeName: domain.AttrSystem, Pattern: "Linux"},
				{AttributeName: domain.AttrHostname, Pattern: "^web-"},
			},
			IntegerRules: []domain.IntegerRule{
				{AttributeName: domain.AttrClock, Operator: domain.OperatorLessThan, Value: 1336650631137737},
			},
			Actions: []domain.Action{{
				HuntID:         "hunt-" + id,
				FlowName:       "DownloadDirectory",
				FlowArgs:       map[string]any{"depth": int64(2)},
				CollectReplies: true,
			}},
			CreatedAt: base,
			ExpiresAt: base.Add(time.Hour),
		}
	}

	// Ids are deliberately not in lexical order.
	for _, id := range []string{"rz", "ra", "rm"} {
		require.NoError(t, s.CreateRule(ctx, newRule(id)))
	}
	assert.ErrorIs(t, s.CreateRule(ctx, newRule("ra")), domain.ErrAlreadyExists)

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "rz", rules[0].ID)
	assert.Equal(t, "ra", rules[1].ID)
	assert.Equal(t, "rm", rules[2].ID)

	got, err := s.GetRule(ctx, "ra")
	require.NoError(t, err)
	want := newRule("ra")
	assert.Equal(t, want.RegexRules, got.RegexRules)
	assert.Equal(t, want.IntegerRules, got.IntegerRules)
	assert.Equal(t, want.Actions, got.Actions)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, s.DeleteRule(ctx, "ra"))
	assert.ErrorIs(t, s.DeleteRule(ctx, "ra"), domain.ErrNotFound)
	_, err = s.GetRule(ctx, "ra")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.CreateRule(ctx, newRule("rb")))
	rules, err = s.ListRules(ctx)
	require.NoError(t, err)
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"rz", "rm", "rb"}, ids)
}

func testMarkers(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	for _, ep := range []string{"ep-2", "ep-1"} {
		require.NoError(t, s.CreateProcessedMarker(ctx, &domain.ProcessedMarker{RuleID: "r1", EndpointID: ep, ProcessedAt: base}))
	}
	assert.ErrorIs(t,
		s.CreateProcessedMarker(ctx, &domain.ProcessedMarker{RuleID: "r1", EndpointID: "ep-1", ProcessedAt: base}),
		domain.ErrAlreadyExists)
	require.NoError(t, s.CreateProcessedMarker(ctx, &domain.ProcessedMarker{RuleID: "r2", EndpointID: "ep-1", ProcessedAt: base}))

	markers, err := s.ListProcessedMarkers(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, "ep-1", markers[0].EndpointID)
	assert.Equal(t, "ep-2", markers[1].EndpointID)

	count, err := s.CountProcessedMarkers(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, s.DeleteProcessedMarkers(ctx, "r1"))
	require.NoError(t, s.DeleteProcessedMarkers(ctx, "r1"))
	count, err = s.CountProcessedMarkers(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = s.CountProcessedMarkers(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testApprovals(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	req := &domain.ApprovalRequest{
		ID:         "a1",
		HuntID:     "h1",
		Requestor:  "alice",
		Reason:     "incident 42",
		Candidates: []string{"carol", "bob"},
		EmailCC:    []string{"sec@example.com"},
		State:      domain.ApprovalOpen,
		CreatedAt:  base,
		ExpiresAt:  base.Add(24 * time.Hour),
	}
	require.NoError(t, s.CreateApprovalRequest(ctx, req))
	assert.ErrorIs(t, s.CreateApprovalRequest(ctx, req), domain.ErrAlreadyExists)

	got, err := s.GetApprovalRequest(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "bob"}, got.Candidates)
	assert.Equal(t, []string{"sec@example.com"}, got.EmailCC)
	assert.Empty(t, got.Grants)

	resolved := base.Add(time.Hour)
	got.Grants = append(got.Grants,
		domain.ApprovalGrant{Grantor: "bob", GrantedAt: base.Add(time.Minute)},
		domain.ApprovalGrant{Grantor: "carol", GrantedAt: resolved},
	)
	got.State = domain.ApprovalGranted
	got.ResolvedAt = &resolved
	require.NoError(t, s.UpdateApprovalRequest(ctx, got))

	require.NoError(t, s.CreateApprovalRequest(ctx, &domain.ApprovalRequest{
		ID: "a2", HuntID: "h2", Requestor: "bob", Reason: "triage",
		State: domain.ApprovalOpen, CreatedAt: base.Add(time.Second), ExpiresAt: base.Add(time.Hour),
	}))

	granted, err := s.ListApprovalRequests(ctx, domain.ApprovalListFilter{State: domain.ApprovalGranted})
	require.NoError(t, err)
	require.Len(t, granted, 1)
	assert.Equal(t, []string{"bob", "carol"}, granted[0].GrantedBy())
	require.NotNil(t, granted[0].ResolvedAt)

	byHunt, err := s.ListApprovalRequests(ctx, domain.ApprovalListFilter{HuntID: "h2", State: domain.ApprovalOpen})
	require.NoError(t, err)
	require.Len(t, byHunt, 1)
	assert.Equal(t, "a2", byHunt[0].ID)

	all, err := s.ListApprovalRequests(ctx, domain.ApprovalListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, s.UpdateApprovalRequest(ctx, &domain.ApprovalRequest{ID: "missing"}), domain.ErrNotFound)
}

func testEndpoints(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	clock := time.Date(2012, 5, 10, 12, 0, 0, 0, time.UTC)
	ep := &domain.Endpoint{
		ID: "ep-b",
		Attributes: domain.AttributeSnapshot{
			domain.AttrSystem:  domain.StringValue("Linux"),
			domain.AttrClock:   domain.TimestampValue(clock),
			"InstallDateEpoch": domain.IntValue(1336000000),
		},
		LastSeen: base,
	}
	require.NoError(t, s.UpsertEndpoint(ctx, ep))
	require.NoError(t, s.UpsertEndpoint(ctx, &domain.Endpoint{ID: "ep-a", LastSeen: base}))

	got, err := s.GetEndpoint(ctx, "ep-b")
	require.NoError(t, err)
	sys, ok := got.Attributes.Get(domain.AttrSystem)
	require.True(t, ok)
	assert.Equal(t, "Linux", sys.String())
	ts, ok := got.Attributes[domain.AttrClock].Time()
	require.True(t, ok)
	assert.True(t, clock.Equal(ts))
	n, ok := got.Attributes["InstallDateEpoch"].Int()
	require.True(t, ok)
	assert.Equal(t, int64(1336000000), n)

	later := base.Add(time.Hour)
	require.NoError(t, s.UpsertEndpoint(ctx, &domain.Endpoint{
		ID:         "ep-b",
		Attributes: domain.AttributeSnapshot{domain.AttrSystem: domain.StringValue("Darwin")},
		LastSeen:   later,
	}))
	got, err = s.GetEndpoint(ctx, "ep-b")
	require.NoError(t, err)
	assert.Equal(t, "Darwin", got.Attributes[domain.AttrSystem].String())
	assert.Len(t, got.Attributes, 1)
	assert.True(t, later.Equal(got.LastSeen))

	eps, err := s.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "ep-a", eps[0].ID)

	_, err = s.GetEndpoint(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testTransactions(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	rule := &domain.Rule{
		ID: "r1", HuntID: "h1",
		Actions:   []domain.Action{{HuntID: "h1", FlowName: "Interrogate"}},
		CreatedAt: base, ExpiresAt: base.Add(time.Hour),
	}
	require.NoError(t, s.CreateRule(ctx, rule))
	require.NoError(t, s.CreateProcessedMarker(ctx, &domain.ProcessedMarker{RuleID: "r1", EndpointID: "ep-1", ProcessedAt: base}))

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteProcessedMarkers(ctx, "r1"))
	require.NoError(t, tx.DeleteRule(ctx, "r1"))
	require.NoError(t, tx.Commit())

	_, err = s.GetRule(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	count, err := s.CountProcessedMarkers(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, count)
}
