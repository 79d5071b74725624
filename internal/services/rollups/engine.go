package rollups

import (
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"safetypatrol/internal/domain"
	"safetypatrol/internal/metrics"
)

// Engine memoises rollups per snapshot version. Returned values are shared
// between callers and must be treated as read-only.
type Engine struct {
	cache *cache.Cache
	m     *metrics.Metrics

	mu      sync.Mutex
	version uint64
}

// NewEngine caches results for ttl. A newer version flushes everything.
func NewEngine(ttl time.Duration, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Engine{cache: cache.New(ttl, 2*ttl), m: m}
}

// Follow advances the engine to each version received until versions is
// closed, so results for superseded snapshots are dropped before the next
// request instead of lingering until their TTL.
func (e *Engine) Follow(versions <-chan uint64) {
	for v := range versions {
		e.advance(v)
	}
}

func (e *Engine) advance(version uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if version > e.version {
		e.cache.Flush()
		e.version = version
	}
}

func (e *Engine) lookup(name string, version uint64, extra string, compute func() any) any {
	e.advance(version)

	key := name + "/" + strconv.FormatUint(version, 10) + "/" + extra
	if v, ok := e.cache.Get(key); ok {
		e.m.RollupCache.WithLabelValues(name, "hit").Inc()
		return v
	}
	e.m.RollupCache.WithLabelValues(name, "miss").Inc()
	v := compute()
	e.cache.SetDefault(key, v)
	return v
}

func (e *Engine) Buildings(version uint64, ins []domain.Inspection, f Filter) BuildingRollup {
	return e.lookup("buildings", version, f.key(), func() any { return Buildings(ins, f) }).(BuildingRollup)
}

func (e *Engine) Divisions(version uint64, ins []domain.Inspection, f Filter) DivisionRollup {
	return e.lookup("divisions", version, f.key(), func() any { return Divisions(ins, f) }).(DivisionRollup)
}

func (e *Engine) CustomItems(version uint64, ins []domain.Inspection, f Filter) CustomItemRollup {
	return e.lookup("custom_items", version, f.key(), func() any { return CustomItems(ins, f) }).(CustomItemRollup)
}

func (e *Engine) FollowUp(version uint64, actions []domain.CorrectiveAction) FollowUpBoard {
	return e.lookup("follow_up", version, "", func() any { return FollowUp(actions) }).(FollowUpBoard)
}
