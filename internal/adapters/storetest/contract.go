// Package storetest holds the behaviour every ports.RecordStore must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetypatrol/internal/ports"
)

// Run exercises store against the record store contract. newStore must return
// an empty store; cleanup is the caller's.
func Run(t *testing.T, newStore func(t *testing.T) ports.RecordStore) {
	t.Run("upsert merges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, ports.CorrectiveActions, "k", map[string]any{"a": "1", "b": "2"}))
		require.NoError(t, s.Upsert(ctx, ports.CorrectiveActions, "k", map[string]any{"b": "3", "is_new": false}))

		recs, err := s.Query(ctx, ports.CorrectiveActions, ports.Query{Keys: []string{"k"}})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "1", recs[0].Fields["a"])
		assert.Equal(t, "3", recs[0].Fields["b"])
		assert.Equal(t, false, recs[0].Fields["is_new"])
		assert.False(t, recs[0].CreatedAt.IsZero())
		assert.False(t, recs[0].UpdatedAt.Before(recs[0].CreatedAt))
	})

	t.Run("insert many conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, ports.Inspections, "a", map[string]any{"x": "old"}))
		errs := s.InsertMany(ctx, ports.Inspections, []ports.Record{
			{Key: "a", Fields: map[string]any{"x": "new"}},
			{Key: "b", Fields: map[string]any{"x": "b"}},
		})
		require.Len(t, errs, 2)
		assert.ErrorIs(t, errs[0], ports.ErrConflict)
		assert.NoError(t, errs[1])

		recs, err := s.Query(ctx, ports.Inspections, ports.Query{Order: ports.OrderCreatedAsc})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "old", recs[0].Fields["x"])
		assert.Equal(t, "b", recs[1].Key)
	})

	t.Run("filter and order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"1", "2", "3"} {
			parent := "A"
			if k == "2" {
				parent = "B"
			}
			require.NoError(t, s.Upsert(ctx, ports.CorrectiveActions, k, map[string]any{"inspection_id": parent}))
		}
		require.NoError(t, s.Upsert(ctx, ports.Inspections, "1", map[string]any{"inspection_id": "A"}))

		recs, err := s.Query(ctx, ports.CorrectiveActions, ports.Query{
			Where: []ports.Condition{{Field: "inspection_id", Equals: "A"}},
		})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "3", recs[0].Key)
		assert.Equal(t, "1", recs[1].Key)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, ports.Inspections, "a", map[string]any{}))
		require.NoError(t, s.Delete(ctx, ports.Inspections, "a"))
		require.NoError(t, s.Delete(ctx, ports.Inspections, "a"))
		recs, err := s.Query(ctx, ports.Inspections, ports.Query{})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("change events", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sub, err := s.Subscribe(ctx, ports.CorrectiveActions, ports.OpInsert|ports.OpDelete)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, s.Upsert(ctx, ports.Inspections, "other", map[string]any{}))
		require.NoError(t, s.Upsert(ctx, ports.CorrectiveActions, "k", map[string]any{"a": "1"}))
		require.NoError(t, s.Upsert(ctx, ports.CorrectiveActions, "k", map[string]any{"a": "2"}))
		require.NoError(t, s.Delete(ctx, ports.CorrectiveActions, "k"))

		for _, op := range []ports.Op{ports.OpInsert, ports.OpDelete} {
			select {
			case ev := <-sub.Events():
				assert.Equal(t, ports.ChangeEvent{Collection: ports.CorrectiveActions, Op: op, Key: "k"}, ev)
			case <-time.After(2 * time.Second):
				t.Fatalf("no %s event", op)
			}
		}
		sub.Unsubscribe()
		sub.Unsubscribe()
		_, open := <-sub.Events()
		assert.False(t, open)
		assert.NoError(t, sub.Err())
	})
}
