package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetypatrol/internal/adapters/storetest"
	"safetypatrol/internal/ports"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "patrol.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.RecordStore { return openTemp(t) })
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := openTemp(t)
	res, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestDocumentsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "patrol.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, ports.Inspections, "i1", map[string]any{
		"building": "B1",
		"items":    []any{map[string]any{"id": "1", "status": "abnormal"}},
	}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.Query(ctx, ports.Inspections, ports.Query{Where: []ports.Condition{{Field: "building", Equals: "B1"}}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	items, ok := recs[0].Fields["items"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}
