// Package syncrunner keeps an in-memory view of the inspection and corrective
// action collections current with the store's change feed.
package syncrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"safetypatrol/internal/domain"
	"safetypatrol/internal/metrics"
	"safetypatrol/internal/ports"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("syncer closed")

const (
	triggerInitial     = "initial"
	triggerEvent       = "event"
	triggerLocal       = "local"
	triggerResubscribe = "resubscribe"
)

var collections = []ports.Collection{ports.Inspections, ports.CorrectiveActions}

type request struct {
	c       ports.Collection
	trigger string
}

// loopState is owned by the loop goroutine.
type loopState struct {
	inFlight bool
	pending  bool
	trigger  string
}

type Syncer struct {
	store      ports.RecordStore
	log        logrus.FieldLogger
	m          *metrics.Metrics
	baseDelay  time.Duration
	maxBackoff time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	requests chan request
	finished chan ports.Collection
	wg       sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once

	subsMu sync.Mutex
	subs   map[ports.Collection]ports.Subscription

	mu          sync.RWMutex
	closed      bool
	tickets     uint64
	applied     map[ports.Collection]uint64
	version     uint64
	inspections []domain.Inspection
	actions     []domain.CorrectiveAction
	watchers    map[chan uint64]struct{}
}

type Option func(*Syncer)

func WithLogger(l logrus.FieldLogger) Option { return func(s *Syncer) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Syncer) { s.m = m } }

// WithBackoff sets the first re-subscribe delay and its cap.
func WithBackoff(base, limit time.Duration) Option {
	return func(s *Syncer) {
		if base > 0 {
			s.baseDelay = base
		}
		if limit > 0 {
			s.maxBackoff = limit
		}
	}
}

func New(store ports.RecordStore, opts ...Option) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		store:      store,
		log:        logrus.StandardLogger(),
		m:          metrics.NewNop(),
		baseDelay:  100 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		ctx:        ctx,
		cancel:     cancel,
		requests:   make(chan request),
		finished:   make(chan ports.Collection),
		subs:       make(map[ports.Collection]ports.Subscription),
		applied:    make(map[ports.Collection]uint64),
		watchers:   make(map[chan uint64]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start subscribes to both collections, loads them once and starts the
// dispatcher loop. Subscribing before the first load leaves no gap in which a
// change could be missed.
func (s *Syncer) Start(ctx context.Context) error {
	err := ErrClosed
	s.startOnce.Do(func() { err = s.start(ctx) })
	return err
}

func (s *Syncer) start(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	for _, c := range collections {
		sub, err := s.store.Subscribe(s.ctx, c, maskFor(c))
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", c, err)
		}
		s.subsMu.Lock()
		s.subs[c] = sub
		s.subsMu.Unlock()
	}

	for _, c := range collections {
		if err := s.reload(ctx, c, triggerInitial); err != nil {
			s.Close()
			return fmt.Errorf("initial load %s: %w", c, err)
		}
	}

	s.wg.Add(1)
	go s.loop()
	s.subsMu.Lock()
	for c, sub := range s.subs {
		s.wg.Add(1)
		go s.follow(c, sub)
	}
	s.subsMu.Unlock()
	return nil
}

func maskFor(c ports.Collection) ports.EventMask {
	if c == ports.CorrectiveActions {
		return ports.OpInsert | ports.OpUpdate | ports.OpDelete
	}
	return ports.OpAll
}

// loop runs at most one background reload per collection and remembers at
// most one more; any number of changes during a reload collapse into it.
func (s *Syncer) loop() {
	defer s.wg.Done()
	state := make(map[ports.Collection]*loopState, len(collections))
	for _, c := range collections {
		state[c] = &loopState{}
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.requests:
			st := state[req.c]
			switch {
			case !st.inFlight:
				st.inFlight = true
				s.m.SyncEvents.WithLabelValues(string(req.c), "started").Inc()
				s.spawn(req.c, req.trigger)
			case !st.pending:
				st.pending, st.trigger = true, req.trigger
				s.m.SyncEvents.WithLabelValues(string(req.c), "queued").Inc()
			default:
				s.m.SyncEvents.WithLabelValues(string(req.c), "coalesced").Inc()
			}
		case c := <-s.finished:
			st := state[c]
			st.inFlight = false
			if st.pending {
				st.pending, st.inFlight = false, true
				s.spawn(c, st.trigger)
			}
		}
	}
}

func (s *Syncer) spawn(c ports.Collection, trigger string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.reload(s.ctx, c, trigger); err != nil && s.ctx.Err() == nil {
			s.log.WithError(err).WithFields(logrus.Fields{"collection": c, "trigger": trigger}).Warn("reload failed")
		}
		select {
		case s.finished <- c:
		case <-s.ctx.Done():
		}
	}()
}

// notify hands a reload request to the loop.
func (s *Syncer) notify(c ports.Collection, trigger string) {
	select {
	case s.requests <- request{c: c, trigger: trigger}:
	case <-s.ctx.Done():
	}
}

// follow drains one subscription. When the feed drops it forces a reload of
// the collection, subscribes again with exponential backoff and reloads once
// more, since writes made while no subscription was open raised no event.
func (s *Syncer) follow(c ports.Collection, sub ports.Subscription) {
	defer s.wg.Done()
	log := s.log.WithField("collection", c)
	for {
		for ev := range sub.Events() {
			s.dispatch(ev)
		}
		err := sub.Err()
		if err == nil || s.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("change feed lost")
		s.notify(c, triggerResubscribe)

		next, err := s.resubscribe(c)
		if err != nil {
			if s.ctx.Err() == nil {
				log.WithError(err).Error("resubscribe gave up")
			}
			return
		}
		sub = next
		s.notify(c, triggerResubscribe)
	}
}

func (s *Syncer) dispatch(ev ports.ChangeEvent) {
	switch ev.Collection {
	case ports.Inspections:
		s.notify(ev.Collection, triggerEvent)
	case ports.CorrectiveActions:
		switch ev.Op {
		case ports.OpInsert, ports.OpUpdate, ports.OpDelete:
			s.notify(ev.Collection, triggerEvent)
		}
	}
}

func (s *Syncer) resubscribe(c ports.Collection) (ports.Subscription, error) {
	b := retry.NewExponential(s.baseDelay)
	b = retry.WithCappedDuration(s.maxBackoff, b)

	var sub ports.Subscription
	err := retry.Do(s.ctx, b, func(ctx context.Context) error {
		next, err := s.store.Subscribe(ctx, c, maskFor(c))
		if err != nil {
			s.m.Resubscribes.WithLabelValues(string(c), "error").Inc()
			s.log.WithError(err).WithField("collection", c).Debug("resubscribe attempt failed")
			return retry.RetryableError(err)
		}
		sub = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.ctx.Err() != nil {
		sub.Unsubscribe()
		return nil, ErrClosed
	}
	s.subs[c] = sub
	s.m.Resubscribes.WithLabelValues(string(c), "ok").Inc()
	return sub, nil
}

// ReloadNow synchronously reloads the named collections, or both when none are
// given. After it returns the view is at least as new as the store was when
// the call began.
func (s *Syncer) ReloadNow(ctx context.Context, cs ...ports.Collection) error {
	if len(cs) == 0 {
		cs = collections
	}
	var errs []error
	for _, c := range cs {
		if err := s.reload(ctx, c, triggerLocal); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) reload(ctx context.Context, c ports.Collection, trigger string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.tickets++
	ticket := s.tickets
	s.mu.Unlock()

	recs, err := s.store.Query(ctx, c, ports.Query{Order: ports.OrderCreatedDesc})
	if err != nil {
		s.m.Reloads.WithLabelValues(string(c), trigger, "error").Inc()
		return fmt.Errorf("reload %s: %w", c, err)
	}

	var ins []domain.Inspection
	var acts []domain.CorrectiveAction
	switch c {
	case ports.Inspections:
		ins = make([]domain.Inspection, 0, len(recs))
		for _, r := range recs {
			in, err := domain.InspectionFromRecord(r)
			if err != nil {
				s.log.WithError(err).WithField("collection", c).Warn("skipping undecodable record")
				continue
			}
			ins = append(ins, in)
		}
	case ports.CorrectiveActions:
		acts = make([]domain.CorrectiveAction, 0, len(recs))
		for _, r := range recs {
			a, err := domain.CorrectiveActionFromRecord(r)
			if err != nil {
				s.log.WithError(err).WithField("collection", c).Warn("skipping undecodable record")
				continue
			}
			acts = append(acts, a)
		}
	default:
		return fmt.Errorf("reload: unknown collection %q", c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ticket < s.applied[c] {
		s.m.DiscardedReload.WithLabelValues(string(c)).Inc()
		if s.closed {
			return ErrClosed
		}
		return nil
	}
	s.applied[c] = ticket
	if c == ports.Inspections {
		s.inspections = ins
	} else {
		s.actions = acts
	}
	s.version++
	s.m.Reloads.WithLabelValues(string(c), trigger, "ok").Inc()
	for ch := range s.watchers {
		publishLatest(ch, s.version)
	}
	return nil
}

// publishLatest replaces any unread version in ch with v.
func publishLatest(ch chan uint64, v uint64) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Inspections returns the current inspection view, newest first, and the
// version it belongs to. The slice is shared and must not be modified.
func (s *Syncer) Inspections() ([]domain.Inspection, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inspections, s.version
}

// CorrectiveActions returns the current corrective action view, newest first.
func (s *Syncer) CorrectiveActions() ([]domain.CorrectiveAction, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actions, s.version
}

func (s *Syncer) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Watch returns a channel that receives the latest view version after every
// applied reload. Unread versions are replaced, never queued. The channel is
// closed when ctx ends or the syncer closes.
func (s *Syncer) Watch(ctx context.Context) <-chan uint64 {
	ch := make(chan uint64, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.watchers[ch] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Close unsubscribes, stops the loop and waits for background work. Reloads
// still running are discarded. Close is idempotent.
func (s *Syncer) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()

		s.subsMu.Lock()
		for c, sub := range s.subs {
			sub.Unsubscribe()
			delete(s.subs, c)
		}
		s.subsMu.Unlock()

		s.wg.Wait()
	})
}
