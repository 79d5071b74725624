// Package guarded decorates a ports.RecordStore with per-call deadlines,
// StoreError wrapping and latency metrics.
package guarded

import (
	"context"
	"errors"
	"time"

	"safetypatrol/internal/metrics"
	"safetypatrol/internal/ports"
)

type Store struct {
	inner   ports.RecordStore
	timeout time.Duration
	m       *metrics.Metrics
}

// New wraps inner. A zero timeout leaves calls bounded only by the caller's context.
func New(inner ports.RecordStore, timeout time.Duration, m *metrics.Metrics) *Store {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Store{inner: inner, timeout: timeout, m: m}
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) observe(c ports.Collection, op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.m.StoreOps.WithLabelValues(string(c), op, result).Observe(time.Since(start).Seconds())
}

// wrap converts adapter failures into *ports.StoreError. Caller cancellation
// and conflicts pass through unchanged.
func wrap(c ports.Collection, op string, keys []string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ports.ErrConflict) {
		return err
	}
	var se *ports.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &ports.StoreError{Collection: c, Op: op, Keys: keys, Err: err}
}

func (s *Store) Query(ctx context.Context, c ports.Collection, q ports.Query) ([]ports.Record, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	start := time.Now()
	recs, err := s.inner.Query(ctx, c, q)
	s.observe(c, "query", start, err)
	return recs, wrap(c, "query", q.Keys, err)
}

func (s *Store) Upsert(ctx context.Context, c ports.Collection, key string, fields map[string]any) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	start := time.Now()
	err := s.inner.Upsert(ctx, c, key, fields)
	s.observe(c, "upsert", start, err)
	return wrap(c, "upsert", []string{key}, err)
}

func (s *Store) InsertMany(ctx context.Context, c ports.Collection, recs []ports.Record) []error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	start := time.Now()
	errs := s.inner.InsertMany(ctx, c, recs)
	var failed error
	for i, err := range errs {
		errs[i] = wrap(c, "insert", []string{recs[i].Key}, err)
		if errs[i] != nil && failed == nil {
			failed = errs[i]
		}
	}
	s.observe(c, "insert", start, failed)
	return errs
}

func (s *Store) Delete(ctx context.Context, c ports.Collection, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	start := time.Now()
	err := s.inner.Delete(ctx, c, key)
	s.observe(c, "delete", start, err)
	return wrap(c, "delete", []string{key}, err)
}

// Subscribe is not deadline-bound: the subscription lives as long as ctx.
func (s *Store) Subscribe(ctx context.Context, c ports.Collection, mask ports.EventMask) (ports.Subscription, error) {
	sub, err := s.inner.Subscribe(ctx, c, mask)
	return sub, wrap(c, "subscribe", nil, err)
}
