package foreman

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/metrics"
	"github.com/bcnelson/hunt-foreman/internal/storage/memory"
)

type call struct {
	endpointID string
	actions    []domain.Action
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []call
	fail  error
	delay time.Duration
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, endpointID string, actions []domain.Action) error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.calls = append(d.calls, call{endpointID: endpointID, actions: actions})
	return nil
}

func (d *fakeDispatcher) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDispatcher) endpoints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.endpointID
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *fakeDispatcher, *testClock) {
	t.Helper()
	store := memory.New()
	d := &fakeDispatcher{}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(store, d, WithClock(clock.Now))
	return e, store, d, clock
}

func linux() domain.AttributeSnapshot {
	return domain.AttributeSnapshot{domain.AttrSystem: domain.StringValue("Linux")}
}

func TestEvaluateDispatchesOnce(t *testing.T) {
	e, store, d, clock := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Install(ctx, testRule("r1", clock.Now(), time.Hour)))

	actions, err := e.Evaluate(ctx, "ep1", linux(), clock.Now())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "Interrogate", actions[0].FlowName)

	actions, err = e.Evaluate(ctx, "ep1", linux(), clock.Now())
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Equal(t, 1, d.count())

	n, err := store.CountProcessedMarkers(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, e.Processed("r1", "ep1"))
}

func TestEvaluateConcurrentCheckInsDispatchOnce(t *testing.T) {
	e, _, d, clock := newTestEngine(t)
	d.delay = 5 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, e.Install(ctx, testRule("r1", clock.Now(), time.Hour)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Evaluate(ctx, "ep1", linux(), clock.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, d.count())
}

func TestEvaluateInstallationOrder(t *testing.T) {
	e, _, d, clock := newTestEngine(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		r := testRule(id, clock.Now(), time.Hour)
		r.Actions[0].FlowName = "Flow-" + id
		require.NoError(t, e.Install(ctx, r))
	}

	actions, err := e.Evaluate(ctx, "ep1", linux(), clock.Now())
	require.NoError(t, err)
	var names []string
	for _, a := range actions {
		names = append(names, a.FlowName)
	}
	assert.Equal(t, []string{"Flow-c", "Flow-a", "Flow-b"}, names)
	assert.Equal(t, 3, d.count())
}

func TestEvaluateSkipsExpiredRules(t *testing.T) {
	e, store, d, clock := newTestEngine(t)
	ctx := context.Background()

	var expired []string
	e.OnExpire(func(ctx context.Context, r *domain.Rule) { expired = append(expired, r.ID) })

	require.NoError(t, e.Install(ctx, testRule("r1", clock.Now(), time.Hour)))
	clock.Advance(time.Hour)

	actions, err := e.Evaluate(ctx, "ep1", linux(), clock.Now())
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Zero(t, d.count())

	assert.Equal(t, []string{"r1"}, expired)
	assert.Empty(t, e.Rules())
	_, err = store.GetRule(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDispatchFailureLeavesPairEligible(t *testing.T) {
	e, store, d, clock := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Install(ctx, testRule("r1", clock.Now(), time.Hour)))

	d.setFail(errors.New("endpoint unreachable"))
	actions, err := e.Evaluate(ctx, "ep1", linux(), clock.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDispatch)
	assert.Empty(t, actions)
	assert.False(t, e.Processed("r1", "ep1"))
	n, err := store.CountProcessedMarkers(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, n)

	d.setFail(nil)
	actions, err = e.Evaluate(ctx, "ep1", linux(), clock.Now())
	require.NoError(t, err)
	assert.Len(t, actions, 1)
	assert.True(t, e.Processed("r1", "ep1"))
}

func TestRemoveStopsFutureDispatch(t *testing.T) {
	e, store, d, clock := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Install(ctx, testRule("r1", clock.Now(), time.Hour)))

	_, err := e.Evaluate(ctx, "ep1", linux(), clock.Now())
	require.NoError(t, err)

	require.NoError(t, e.Remove(ctx, "r1"))
	require.NoError(t, e.Remove(ctx, "r1"), "remove is idempotent")

	_, err = e.Evaluate(ctx, "ep2", linux(), clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"ep1"}, d.endpoints())

	n, err := store.CountProcessedMarkers(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInstallDuplicate(t *testing.T) {
	e, _, _, clock := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Install(ctx, testRule("r1", clock.Now(), time.Hour)))
	assert.ErrorIs(t, e.Install(ctx, testRule("r1", clock.Now(), time.Hour)), domain.ErrDuplicateRule)
	assert.Len(t, e.Rules(), 1)
}

func TestInstallRollsBackWhenStoreRejects(t *testing.T) {
	e, store, _, clock := newTestEngine(t)
	ctx := context.Background()
	// Persisted by another process but not loaded here.
	require.NoError(t, store.CreateRule(ctx, testRule("r1", clock.Now(), time.Hour)))

	err := e.Install(ctx, testRule("r1", clock.Now(), time.Hour))
	assert.ErrorIs(t, err, domain.ErrDuplicateRule)
	assert.Empty(t, e.Rules())
}

// gatedStore holds CreateRule until release is closed, then returns err.
type gatedStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	err     error
}

func (s *gatedStore) CreateRule(ctx context.Context, rule *domain.Rule) error {
	close(s.entered)
	<-s.release
	if s.err != nil {
		return s.err
	}
	return s.Store.CreateRule(ctx, rule)
}

func TestInstallInvisibleUntilPersisted(t *testing.T) {
	store := &gatedStore{
		Store:   memory.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
		err:     errors.New("disk full"),
	}
	d := &fakeDispatcher{}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(store, d, WithClock(clock.Now))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- e.Install(ctx, testRule("r1", clock.Now(), time.Hour)) }()
	<-store.entered

	// The write is in flight: a matching check-in must not fire the rule.
	resp, err := e.CheckIn(ctx, &domain.CheckInRequest{EndpointID: "ep1", Attributes: linux()})
	require.NoError(t, err)
	assert.Empty(t, resp.Actions)
	_, ok := e.Rule("r1")
	assert.False(t, ok)

	close(store.release)
	require.Error(t, <-done)

	assert.Empty(t, e.Rules())
	assert.Zero(t, d.count())
	_, err = store.GetRule(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckInRecordsEndpoint(t *testing.T) {
	e, store, _, clock := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Install(ctx, testRule("r1", clock.Now(), time.Hour)))

	resp, err := e.CheckIn(ctx, &domain.CheckInRequest{EndpointID: "ep1", Attributes: linux()})
	require.NoError(t, err)
	assert.Equal(t, "ep1", resp.EndpointID)
	assert.Len(t, resp.Actions, 1)

	ep, err := store.GetEndpoint(ctx, "ep1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), ep.LastSeen)
	assert.Equal(t, "Linux", ep.Attributes[domain.AttrSystem].String())

	_, err = e.CheckIn(ctx, &domain.CheckInRequest{EndpointID: " "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestIntegerRuleEndToEnd(t *testing.T) {
	e, _, d, clock := newTestEngine(t)
	ctx := context.Background()
	r := testRule("r1", clock.Now(), time.Hour)
	r.RegexRules = nil
	r.IntegerRules = []domain.IntegerRule{{AttributeName: domain.AttrClock, Operator: domain.OperatorGreaterThan, Value: 1336650631137737}}
	require.NoError(t, e.Install(ctx, r))

	_, err := e.Evaluate(ctx, "old", domain.AttributeSnapshot{domain.AttrClock: domain.IntValue(1000000000000000)}, clock.Now())
	require.NoError(t, err)
	_, err = e.Evaluate(ctx, "new", domain.AttributeSnapshot{domain.AttrClock: domain.IntValue(2336650631137737)}, clock.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"new"}, d.endpoints())
}

func TestLoadRestoresRulesAndMarkers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	first := New(store, &fakeDispatcher{}, WithClock(clock.Now))
	require.NoError(t, first.Install(ctx, testRule("live", clock.Now(), time.Hour)))
	require.NoError(t, first.Install(ctx, testRule("stale", clock.Now(), time.Minute)))
	_, err := first.Evaluate(ctx, "ep1", linux(), clock.Now())
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	d := &fakeDispatcher{}
	second := New(store, d, WithClock(clock.Now))
	var expired []string
	second.OnExpire(func(ctx context.Context, r *domain.Rule) { expired = append(expired, r.ID) })
	require.NoError(t, second.Load(ctx, clock.Now()))

	require.Len(t, second.Rules(), 1)
	assert.Equal(t, "live", second.Rules()[0].ID)
	assert.Equal(t, []string{"stale"}, expired)

	// ep1 was already processed before the restart.
	_, err = second.Evaluate(ctx, "ep1", linux(), clock.Now())
	require.NoError(t, err)
	_, err = second.Evaluate(ctx, "ep2", linux(), clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"ep2"}, d.endpoints())
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := memory.New()
	d := &fakeDispatcher{}
	clock := &testClock{now: time.Now()}
	e := New(store, d, WithClock(clock.Now), WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, e.Install(ctx, testRule("r1", clock.Now(), time.Hour)))
	_, err := e.CheckIn(ctx, &domain.CheckInRequest{EndpointID: "ep1", Attributes: linux()})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckIns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RulesInstalled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsDispatched.WithLabelValues("Interrogate")))

	clock.Advance(time.Hour)
	e.Sweep(ctx, clock.Now())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RulesInstalled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RulesExpired))
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	e, _, _, clock := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Install(ctx, testRule("r1", clock.Now(), time.Minute)))
	clock.Advance(time.Minute)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, time.Millisecond) }()

	require.Eventually(t, func() bool { return len(e.Rules()) == 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
