package syncrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"safetypatrol/internal/adapters/memory"
	"safetypatrol/internal/domain"
	"safetypatrol/internal/metrics"
	"safetypatrol/internal/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gatedStore can hold exactly one inspections query open after it has read
// from the inner store.
type gatedStore struct {
	*memory.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	queries map[ports.Collection]int
}

func newGated() *gatedStore {
	return &gatedStore{
		Store:   memory.New(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		queries: map[ports.Collection]int{},
	}
}

func (g *gatedStore) Query(ctx context.Context, c ports.Collection, q ports.Query) ([]ports.Record, error) {
	g.mu.Lock()
	g.queries[c]++
	g.mu.Unlock()
	recs, err := g.Store.Query(ctx, c, q)
	if c == ports.Inspections && g.armed.CompareAndSwap(true, false) {
		g.entered <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	}
	return recs, err
}

func (g *gatedStore) count(c ports.Collection) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries[c]
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func putInspection(t *testing.T, s ports.RecordStore, id string) {
	t.Helper()
	fields, err := domain.InspectionFields(domain.Inspection{ID: id, Date: "2024-05-10", Building: "B1", Division: "D1"})
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), ports.Inspections, id, fields))
}

func start(t *testing.T, store ports.RecordStore, m *metrics.Metrics) *Syncer {
	t.Helper()
	log, _ := test.NewNullLogger()
	s := New(store, WithLogger(log), WithMetrics(m), WithBackoff(time.Millisecond, 10*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func TestStartLoadsBothCollections(t *testing.T) {
	store := memory.New()
	defer store.Close()
	putInspection(t, store, "old")
	time.Sleep(time.Millisecond)
	putInspection(t, store, "new")
	fields, err := domain.CorrectiveActionFields(domain.CorrectiveAction{ID: "a1", InspectionID: "new", Status: domain.ActionUnderReview})
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), ports.CorrectiveActions, "a1", fields))

	s := start(t, store, metrics.NewNop())
	ins, v := s.Inspections()
	require.Len(t, ins, 2)
	assert.Equal(t, "new", ins[0].ID)
	acts, _ := s.CorrectiveActions()
	require.Len(t, acts, 1)
	assert.Equal(t, domain.ActionUnderReview, acts[0].Status)
	assert.Equal(t, uint64(2), v)
	assert.Equal(t, 2, store.Subscribers())
}

func TestChangeEventReloadsAndNotifiesWatchers(t *testing.T) {
	store := memory.New()
	defer store.Close()
	s := start(t, store, metrics.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	versions := s.Watch(ctx)

	putInspection(t, store, "i1")
	select {
	case v := <-versions:
		assert.Greater(t, v, uint64(2))
	case <-time.After(wait):
		t.Fatal("no version published")
	}
	require.Eventually(t, func() bool {
		ins, _ := s.Inspections()
		return len(ins) == 1
	}, wait, tick)
}

func TestCorrectiveActionOpsReload(t *testing.T) {
	store := memory.New()
	defer store.Close()
	s := start(t, store, metrics.NewNop())
	ctx := context.Background()

	actions := func() []domain.CorrectiveAction {
		a, _ := s.CorrectiveActions()
		return a
	}

	fields, err := domain.CorrectiveActionFields(domain.CorrectiveAction{ID: "a1", Status: domain.ActionUnderReview, IsNew: true})
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, ports.CorrectiveActions, "a1", fields))
	require.Eventually(t, func() bool { return len(actions()) == 1 }, wait, tick)

	require.NoError(t, store.Upsert(ctx, ports.CorrectiveActions, "a1", map[string]any{domain.FieldStatus: "resolved"}))
	require.Eventually(t, func() bool {
		a := actions()
		return len(a) == 1 && a[0].Status == domain.ActionResolved
	}, wait, tick)

	require.NoError(t, store.Delete(ctx, ports.CorrectiveActions, "a1"))
	require.Eventually(t, func() bool { return len(actions()) == 0 }, wait, tick)
}

func TestEventsDuringReloadCoalesce(t *testing.T) {
	store := newGated()
	defer store.Close()
	m := metrics.NewNop()
	s := start(t, store, m)
	require.Equal(t, 1, store.count(ports.Inspections))

	store.armed.Store(true)
	putInspection(t, store, "i0")
	select {
	case <-store.entered:
	case <-time.After(wait):
		t.Fatal("reload did not start")
	}

	for _, id := range []string{"i1", "i2", "i3", "i4", "i5"} {
		putInspection(t, store, id)
	}
	events := func(disposition string) float64 {
		return testutil.ToFloat64(m.SyncEvents.WithLabelValues(string(ports.Inspections), disposition))
	}
	require.Eventually(t, func() bool { return events("queued")+events("coalesced") == 5 }, wait, tick)
	assert.Equal(t, float64(1), events("started"))
	assert.Equal(t, float64(1), events("queued"))

	close(store.release)
	require.Eventually(t, func() bool {
		ins, _ := s.Inspections()
		return len(ins) == 6
	}, wait, tick)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Reloads.WithLabelValues(string(ports.Inspections), triggerEvent, "ok")) == 2
	}, wait, tick)
	assert.Equal(t, 3, store.count(ports.Inspections))
}

func TestReloadNowWinsOverOlderBackgroundReload(t *testing.T) {
	store := newGated()
	defer store.Close()
	m := metrics.NewNop()
	s := start(t, store, m)

	store.armed.Store(true)
	putInspection(t, store, "a")
	<-store.entered

	putInspection(t, store, "b")
	require.NoError(t, s.ReloadNow(context.Background(), ports.Inspections))
	ins, _ := s.Inspections()
	require.Len(t, ins, 2)

	close(store.release)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DiscardedReload.WithLabelValues(string(ports.Inspections))) == 1
	}, wait, tick)
	ins, _ = s.Inspections()
	assert.Len(t, ins, 2)
}

func TestResubscribesAfterFeedLoss(t *testing.T) {
	store := memory.New()
	defer store.Close()
	m := metrics.NewNop()
	s := start(t, store, m)

	store.DropSubscriptions()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Resubscribes.WithLabelValues(string(ports.Inspections), "ok")) == 1 &&
			testutil.ToFloat64(m.Resubscribes.WithLabelValues(string(ports.CorrectiveActions), "ok")) == 1
	}, wait, tick)
	assert.Equal(t, 2, store.Subscribers())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Reloads.WithLabelValues(string(ports.Inspections), triggerResubscribe, "ok")) == 2
	}, wait, tick)

	putInspection(t, store, "after")
	require.Eventually(t, func() bool {
		ins, _ := s.Inspections()
		return len(ins) == 1
	}, wait, tick)
}

// flakyStore refuses new subscriptions while down is set.
type flakyStore struct {
	*memory.Store
	down atomic.Bool
}

var errFeedDown = errors.New("feed down")

func (f *flakyStore) Subscribe(ctx context.Context, c ports.Collection, mask ports.EventMask) (ports.Subscription, error) {
	if f.down.Load() {
		return nil, errFeedDown
	}
	return f.Store.Subscribe(ctx, c, mask)
}

func TestWriteWhileFeedDownIsLoadedAfterResubscribe(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	defer store.Close()
	m := metrics.NewNop()
	s := start(t, store, m)

	store.down.Store(true)
	store.DropSubscriptions()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Reloads.WithLabelValues(string(ports.Inspections), triggerResubscribe, "ok")) == 1 &&
			testutil.ToFloat64(m.Resubscribes.WithLabelValues(string(ports.Inspections), "error")) >= 1
	}, wait, tick)

	putInspection(t, store, "written-while-feed-down")
	ins, _ := s.Inspections()
	require.Empty(t, ins)

	store.down.Store(false)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Resubscribes.WithLabelValues(string(ports.Inspections), "ok")) == 1
	}, wait, tick)
	require.Eventually(t, func() bool {
		ins, _ := s.Inspections()
		return len(ins) == 1
	}, wait, tick)
	ins, _ = s.Inspections()
	assert.Equal(t, "written-while-feed-down", ins[0].ID)
}

func TestCloseDiscardsInFlightAndIsIdempotent(t *testing.T) {
	store := newGated()
	defer store.Close()
	m := metrics.NewNop()
	log, _ := test.NewNullLogger()
	s := New(store, WithLogger(log), WithMetrics(m))
	require.NoError(t, s.Start(context.Background()))
	versions := s.Watch(context.Background())

	store.armed.Store(true)
	putInspection(t, store, "late")
	<-store.entered
	before := s.Version()

	s.Close()
	s.Close()

	assert.Equal(t, 0, store.Subscribers())
	assert.Equal(t, before, s.Version())
	ins, _ := s.Inspections()
	assert.Empty(t, ins)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DiscardedReload.WithLabelValues(string(ports.Inspections))))

	assert.ErrorIs(t, s.ReloadNow(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
	for range versions {
	}
	_, open := <-s.Watch(context.Background())
	assert.False(t, open)
}
