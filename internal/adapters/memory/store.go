// Package memory provides an in-process ports.RecordStore used for local runs
// and tests. Reads return deep copies; writes publish change events.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"safetypatrol/internal/adapters/feed"
	"safetypatrol/internal/ports"
)

type row struct {
	seq       uint64
	fields    map[string]any
	createdAt time.Time
	updatedAt time.Time
}

type Store struct {
	mu    sync.RWMutex
	rows  map[ports.Collection]map[string]*row
	seq   uint64
	feed  *feed.Broker
	nowFn func() time.Time
}

func New() *Store {
	return &Store{
		rows:  make(map[ports.Collection]map[string]*row),
		feed:  feed.NewBroker(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// Close ends all open subscriptions.
func (s *Store) Close() { s.feed.Close() }

// DropSubscriptions simulates the change feed going away.
func (s *Store) DropSubscriptions() { s.feed.Drop() }

// Subscribers reports the number of open subscriptions.
func (s *Store) Subscribers() int { return s.feed.Len() }

func (s *Store) table(c ports.Collection) map[string]*row {
	t, ok := s.rows[c]
	if !ok {
		t = make(map[string]*row)
		s.rows[c] = t
	}
	return t
}

func (s *Store) Query(ctx context.Context, c ports.Collection, q ports.Query) ([]ports.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys map[string]bool
	if len(q.Keys) > 0 {
		keys = make(map[string]bool, len(q.Keys))
		for _, k := range q.Keys {
			keys[k] = true
		}
	}
	type hit struct {
		key string
		r   *row
	}
	var hits []hit
	for k, r := range s.rows[c] {
		if keys != nil && !keys[k] {
			continue
		}
		if !matches(r.fields, q.Where) {
			continue
		}
		hits = append(hits, hit{k, r})
	}
	sort.Slice(hits, func(i, j int) bool {
		if q.Order == ports.OrderCreatedAsc {
			return hits[i].r.seq < hits[j].r.seq
		}
		return hits[i].r.seq > hits[j].r.seq
	})
	out := make([]ports.Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, ports.Record{
			Key:       h.key,
			Fields:    cloneFields(h.r.fields),
			CreatedAt: h.r.createdAt,
			UpdatedAt: h.r.updatedAt,
		})
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, c ports.Collection, key string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	now := s.nowFn()
	t := s.table(c)
	op := ports.OpUpdate
	r, ok := t[key]
	if !ok {
		s.seq++
		r = &row{seq: s.seq, fields: make(map[string]any), createdAt: now}
		t[key] = r
		op = ports.OpInsert
	}
	for k, v := range fields {
		r.fields[k] = cloneValue(v)
	}
	r.updatedAt = now
	s.mu.Unlock()

	s.feed.Publish(ports.ChangeEvent{Collection: c, Op: op, Key: key})
	return nil
}

func (s *Store) InsertMany(ctx context.Context, c ports.Collection, recs []ports.Record) []error {
	errs := make([]error, len(recs))
	if err := ctx.Err(); err != nil {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}
	var inserted []string
	s.mu.Lock()
	now := s.nowFn()
	t := s.table(c)
	for i, rec := range recs {
		if _, exists := t[rec.Key]; exists {
			errs[i] = ports.ErrConflict
			continue
		}
		s.seq++
		t[rec.Key] = &row{seq: s.seq, fields: cloneFields(rec.Fields), createdAt: now, updatedAt: now}
		inserted = append(inserted, rec.Key)
	}
	s.mu.Unlock()

	for _, k := range inserted {
		s.feed.Publish(ports.ChangeEvent{Collection: c, Op: ports.OpInsert, Key: k})
	}
	return errs
}

func (s *Store) Delete(ctx context.Context, c ports.Collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	_, ok := s.rows[c][key]
	delete(s.rows[c], key)
	s.mu.Unlock()
	if ok {
		s.feed.Publish(ports.ChangeEvent{Collection: c, Op: ports.OpDelete, Key: key})
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, c ports.Collection, mask ports.EventMask) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(ctx, c, mask), nil
}

func matches(fields map[string]any, where []ports.Condition) bool {
	for _, cond := range where {
		v, ok := fields[cond.Field].(string)
		if !ok || v != cond.Equals {
			return false
		}
	}
	return true
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneFields(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
