package main

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/hunt-foreman/internal/config"
	"github.com/bcnelson/hunt-foreman/internal/dispatch"
	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/metrics"
	"github.com/bcnelson/hunt-foreman/internal/notify"
	"github.com/bcnelson/hunt-foreman/internal/storage/memory"
)

func testConfig() *config.Config {
	return &config.Config{Fleet: config.FleetConfig{
		RuleExpiry:        time.Hour,
		ApprovalThreshold: 1,
		AllowSelfApproval: true,
		ApprovalExpiry:    time.Hour,
		SweepInterval:     time.Minute,
	}}
}

func TestNewCoreStopsHuntsWhoseRuleExpiredWhileDown(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	// State left behind by a previous process: an ACTIVE hunt whose rule
	// expired an hour ago after firing for one endpoint.
	created := time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.CreateHunt(ctx, &domain.Hunt{
		ID:         "h1",
		FlowName:   "Interrogate",
		Predicates: []domain.Predicate{},
		State:      domain.HuntActive,
		RuleID:     "r1",
		Creator:    "alice",
		CreatedAt:  created,
		UpdatedAt:  created,
	}))
	require.NoError(t, store.CreateRule(ctx, &domain.Rule{
		ID:        "r1",
		HuntID:    "h1",
		Actions:   []domain.Action{{HuntID: "h1", FlowName: "Interrogate"}},
		CreatedAt: created,
		ExpiresAt: created.Add(time.Hour),
	}))
	require.NoError(t, store.CreateProcessedMarker(ctx, &domain.ProcessedMarker{RuleID: "r1", EndpointID: "ep1", ProcessedAt: created}))

	c, err := newCore(ctx, testConfig(), store, dispatch.ResponseDispatcher{}, notify.NewLogNotifier(logger), logger, metrics.NewUnregistered())
	require.NoError(t, err)

	h, err := c.hunts.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, domain.HuntStopped, h.State)
	assert.Equal(t, domain.StopReasonExpired, h.StopReason)
	assert.Equal(t, 1, h.ClientCount)

	assert.Empty(t, c.engine.Rules())
	rules, err := store.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)

	// Each entry carries a single component tag.
	sc := bufio.NewScanner(&buf)
	lines := 0
	for sc.Scan() {
		lines++
		assert.Equal(t, 1, strings.Count(sc.Text(), `"component"`), sc.Text())
	}
	assert.NotZero(t, lines)
}
