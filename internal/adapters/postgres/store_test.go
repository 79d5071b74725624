package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetypatrol/internal/ports"
)

func TestBuildQuery(t *testing.T) {
	sql, args := buildQuery(ports.CorrectiveActions, ports.Query{
		Keys:  []string{"a", "b"},
		Where: []ports.Condition{{Field: "inspection_id", Equals: "i1"}},
	})
	assert.Equal(t, `SELECT id, doc, created_at, updated_at FROM records WHERE collection = $1`+
		` AND id = ANY($2) AND doc->>$3 = $4 ORDER BY created_at DESC, seq DESC`, sql)
	assert.Equal(t, []any{"corrective_actions", []string{"a", "b"}, "inspection_id", "i1"}, args)

	sql, args = buildQuery(ports.Inspections, ports.Query{Order: ports.OrderCreatedAsc})
	assert.Contains(t, sql, "ORDER BY created_at ASC, seq ASC")
	assert.Len(t, args, 1)
}

func TestParseNotification(t *testing.T) {
	ev, err := parseNotification(`{"collection":"inspections","op":"UPDATE","key":"i1"}`)
	require.NoError(t, err)
	assert.Equal(t, ports.ChangeEvent{Collection: ports.Inspections, Op: ports.OpUpdate, Key: "i1"}, ev)

	for _, bad := range []string{
		`not json`,
		`{"collection":"inspections","op":"TRUNCATE"}`,
		`{"op":"INSERT","key":"x"}`,
	} {
		_, err := parseNotification(bad)
		assert.Error(t, err, bad)
	}
}

// openTestDB connects to PATROL_TEST_DATABASE_URL and resets the schema.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("PATROL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PATROL_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, url, 4)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	_, err = db.Migrate(ctx)
	require.NoError(t, err)
	_, err = db.Pool.Exec(ctx, `TRUNCATE records`)
	require.NoError(t, err)
	return db
}

func TestStoreAgainstPostgres(t *testing.T) {
	db := openTestDB(t)
	log, _ := test.NewNullLogger()
	s := NewStore(db, log)
	defer s.Close()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, ports.CorrectiveActions, ports.OpAll)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Upsert(ctx, ports.CorrectiveActions, "a1", map[string]any{"inspection_id": "i1", "status": "under_review"}))
	require.NoError(t, s.Upsert(ctx, ports.CorrectiveActions, "a1", map[string]any{"status": "resolved"}))

	recs, err := s.Query(ctx, ports.CorrectiveActions, ports.Query{Where: []ports.Condition{{Field: "inspection_id", Equals: "i1"}}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "resolved", recs[0].Fields["status"])
	assert.Equal(t, "i1", recs[0].Fields["inspection_id"])

	errs := s.InsertMany(ctx, ports.CorrectiveActions, []ports.Record{
		{Key: "a1", Fields: map[string]any{"status": "under_review"}},
		{Key: "a2", Fields: map[string]any{"inspection_id": "i1"}},
	})
	assert.ErrorIs(t, errs[0], ports.ErrConflict)
	assert.NoError(t, errs[1])

	require.NoError(t, s.Delete(ctx, ports.CorrectiveActions, "a2"))
	require.NoError(t, s.Delete(ctx, ports.CorrectiveActions, "a2"))

	want := []ports.Op{ports.OpInsert, ports.OpUpdate, ports.OpInsert, ports.OpDelete}
	for _, op := range want {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, op, ev.Op)
		case <-time.After(5 * time.Second):
			t.Fatalf("no %s notification", op)
		}
	}
}
