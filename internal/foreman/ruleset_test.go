package foreman

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/hunt-foreman/internal/domain"
)

func testRule(id string, created time.Time, ttl time.Duration) *domain.Rule {
	return &domain.Rule{
		ID:         id,
		HuntID:     "hunt-" + id,
		RegexRules: []domain.RegexRule{{AttributeName: domain.AttrSystem, Pattern: "Linux"}},
		Actions:    []domain.Action{{HuntID: "hunt-" + id, FlowName: "Interrogate", CollectReplies: true}},
		CreatedAt:  created,
		ExpiresAt:  created.Add(ttl),
	}
}

func TestRuleSetInstall(t *testing.T) {
	s := NewRuleSet()
	now := time.Now()

	require.NoError(t, s.Install(testRule("a", now, time.Hour)))
	require.NoError(t, s.Install(testRule("b", now, time.Hour)))
	assert.ErrorIs(t, s.Install(testRule("a", now, time.Hour)), domain.ErrDuplicateRule)

	var ids []string
	for _, r := range s.Rules() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestRuleSetInstallRejectsNonPositiveWindow(t *testing.T) {
	s := NewRuleSet()
	now := time.Now()

	assert.ErrorIs(t, s.Install(testRule("a", now, 0)), domain.ErrInvalidInput)
	assert.ErrorIs(t, s.Install(testRule("b", now, -time.Minute)), domain.ErrInvalidInput)
	assert.Equal(t, 0, s.Len())
}

func TestRuleSetRemoveIsIdempotent(t *testing.T) {
	s := NewRuleSet()
	now := time.Now()
	require.NoError(t, s.Install(testRule("a", now, time.Hour)))

	e := s.byID["a"]
	require.True(t, e.claim("ep1"))
	require.True(t, e.complete("ep1"))

	_, ok := s.Remove("a")
	assert.True(t, ok)
	_, ok = s.Remove("a")
	assert.False(t, ok)
	_, ok = s.Remove("never-installed")
	assert.False(t, ok)

	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Processed("a", "ep1"))
	assert.False(t, e.claim("ep2"), "removed rule must not accept claims")
}

func TestRuleSetReinstallStartsClean(t *testing.T) {
	s := NewRuleSet()
	now := time.Now()
	require.NoError(t, s.Install(testRule("a", now, time.Hour)))
	s.restoreMarker("a", "ep1")
	require.True(t, s.Processed("a", "ep1"))

	s.Remove("a")
	require.NoError(t, s.Install(testRule("a", now, time.Hour)))
	assert.False(t, s.Processed("a", "ep1"))
}

func TestRuleSetClaimLifecycle(t *testing.T) {
	s := NewRuleSet()
	require.NoError(t, s.Install(testRule("a", time.Now(), time.Hour)))
	e := s.byID["a"]

	require.True(t, e.claim("ep1"))
	assert.False(t, e.claim("ep1"), "in-flight pair cannot be claimed twice")

	e.release("ep1")
	require.True(t, e.claim("ep1"), "released pair is eligible again")
	require.True(t, e.complete("ep1"))
	assert.False(t, e.claim("ep1"))

	// Release after completion must not clear the marker.
	e.release("ep1")
	assert.True(t, s.Processed("a", "ep1"))
	assert.Equal(t, 1, s.ProcessedCount("a"))
}

func TestRuleSetConcurrentClaim(t *testing.T) {
	s := NewRuleSet()
	require.NoError(t, s.Install(testRule("a", time.Now(), time.Hour)))
	e := s.byID["a"]

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.claim("ep1") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRuleSetSweepExpired(t *testing.T) {
	s := NewRuleSet()
	t0 := time.Now()
	require.NoError(t, s.Install(testRule("short", t0, time.Minute)))
	require.NoError(t, s.Install(testRule("long", t0, time.Hour)))

	live, anyExpired := s.snapshot(t0.Add(30 * time.Second))
	assert.Len(t, live, 2)
	assert.False(t, anyExpired)

	// A rule whose expiry equals now is already expired.
	live, anyExpired = s.snapshot(t0.Add(time.Minute))
	assert.Len(t, live, 1)
	assert.True(t, anyExpired)

	swept := s.SweepExpired(t0.Add(time.Minute))
	require.Len(t, swept, 1)
	assert.Equal(t, "short", swept[0].ID)
	assert.Equal(t, 1, s.Len())

	assert.Empty(t, s.SweepExpired(t0.Add(time.Minute)))
}
