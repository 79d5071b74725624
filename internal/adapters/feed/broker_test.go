package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"safetypatrol/internal/ports"
)

func TestPublishFiltersByCollectionAndMask(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker()
	defer b.Close()

	ins := b.Subscribe(context.Background(), ports.Inspections, ports.OpAll)
	del := b.Subscribe(context.Background(), ports.CorrectiveActions, ports.OpDelete)

	b.Publish(ports.ChangeEvent{Collection: ports.Inspections, Op: ports.OpInsert, Key: "a"})
	b.Publish(ports.ChangeEvent{Collection: ports.CorrectiveActions, Op: ports.OpUpdate, Key: "b"})
	b.Publish(ports.ChangeEvent{Collection: ports.CorrectiveActions, Op: ports.OpDelete, Key: "c"})

	ev := <-ins.Events()
	assert.Equal(t, "a", ev.Key)
	ev = <-del.Events()
	assert.Equal(t, "c", ev.Key)
	select {
	case ev := <-del.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker()
	s := b.Subscribe(context.Background(), ports.Inspections, ports.OpAll)
	s.Unsubscribe()
	s.Unsubscribe()
	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, b.Len())
	b.Publish(ports.ChangeEvent{Collection: ports.Inspections, Op: ports.OpInsert})
}

func TestDropReportsSubscriptionLost(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker()
	s := b.Subscribe(context.Background(), ports.Inspections, ports.OpAll)
	b.Drop()
	_, ok := <-s.Events()
	require.False(t, ok)
	assert.True(t, errors.Is(s.Err(), ports.ErrSubscriptionLost))
	s.Unsubscribe()
	assert.True(t, errors.Is(s.Err(), ports.ErrSubscriptionLost))
}

func TestContextCancelEndsSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	s := b.Subscribe(ctx, ports.Inspections, ports.OpAll)
	cancel()
	select {
	case _, ok := <-s.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.NoError(t, s.Err())
}

func TestFullBufferDropsWithoutBlocking(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker()
	defer b.Close()
	s := b.Subscribe(context.Background(), ports.Inspections, ports.OpAll)
	for i := 0; i < Buffer*3; i++ {
		b.Publish(ports.ChangeEvent{Collection: ports.Inspections, Op: ports.OpUpdate})
	}
	assert.Len(t, s.Events(), Buffer)
}
