package lifecycle

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetypatrol/internal/adapters/memory"
	"safetypatrol/internal/domain"
	"safetypatrol/internal/ports"
	"safetypatrol/internal/services/derivation"
)

func ptr[T any](v T) *T { return &v }

func seeded(t *testing.T) (*memory.Store, string) {
	t.Helper()
	store := memory.New()
	in := domain.Inspection{ID: "A", Building: "B1", Division: "D1", Items: []domain.InspectionItem{
		{ID: "1", Status: domain.ItemAbnormal, Category: "fire", Name: "extinguisher"},
	}}
	_, err := derivation.New(store).Derive(context.Background(), in)
	require.NoError(t, err)
	return store, domain.CorrectiveActionID("A", "1")
}

func TestApplyUpdateResolves(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	log, hook := test.NewNullLogger()
	svc := New(store, log)

	before, err := svc.Get(ctx, id)
	require.NoError(t, err)

	err = svc.ApplyUpdate(ctx, id, Update{Status: ptr(domain.ActionResolved), ActionDetails: ptr("fixed")})
	require.NoError(t, err)

	after, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionResolved, after.Status)
	assert.Equal(t, "fixed", after.ActionDetails)
	assert.False(t, after.IsNew)
	assert.Equal(t, "extinguisher", after.ItemName)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, id, hook.LastEntry().Data["corrective_action_id"])
}

func TestApplyUpdateEmptyStillClearsIsNew(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	svc := New(store, nil)
	require.NoError(t, svc.ApplyUpdate(ctx, id, Update{}))
	a, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, a.IsNew)
	assert.Equal(t, domain.ActionUnderReview, a.Status)
}

func TestApplyUpdateFreeTransitions(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	svc := New(store, nil)
	for _, st := range []domain.ActionStatus{
		domain.ActionResolved, domain.ActionUnderReview, domain.ActionInRemediation, domain.ActionUnderReview,
	} {
		require.NoError(t, svc.ApplyUpdate(ctx, id, Update{Status: ptr(st)}))
		a, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, st, a.Status)
	}
}

func TestApplyUpdateAcceptsEmptyDetails(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	svc := New(store, nil)
	err := svc.ApplyUpdate(ctx, id, Update{Status: ptr(domain.ActionInRemediation), ActionDetails: ptr("")})
	assert.NoError(t, err)
}

func TestApplyUpdateNotFoundMutatesNothing(t *testing.T) {
	ctx := context.Background()
	store, _ := seeded(t)
	svc := New(store, nil)

	err := svc.ApplyUpdate(ctx, "missing", Update{Status: ptr(domain.ActionResolved)})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, ports.IsRetryable(err))

	recs, err := store.Query(ctx, ports.CorrectiveActions, ports.Query{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, true, recs[0].Fields[domain.FieldIsNew])
}

func TestApplyUpdateRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	svc := New(store, nil)
	err := svc.ApplyUpdate(ctx, id, Update{Status: ptr(domain.ActionStatus("done"))})
	assert.ErrorIs(t, err, ErrInvalidUpdate)
	a, _ := svc.Get(ctx, id)
	assert.True(t, a.IsNew)
}

func TestApplyUpdateReplacesImages(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	svc := New(store, nil)
	require.NoError(t, svc.ApplyUpdate(ctx, id, Update{ActionImages: ptr([]string{"a", "b"})}))
	require.NoError(t, svc.ApplyUpdate(ctx, id, Update{ActionBy: ptr("ops")}))
	a, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, a.ActionImages)
	assert.Equal(t, "ops", a.ActionBy)
}

// racingStore deletes the corrective action just before the first merge
// write lands, like a cascade delete running between the read and the write.
type racingStore struct {
	*memory.Store
}

func (r racingStore) Upsert(ctx context.Context, c ports.Collection, key string, fields map[string]any) error {
	if c == ports.CorrectiveActions {
		if err := r.Store.Delete(ctx, c, key); err != nil {
			return err
		}
	}
	return r.Store.Upsert(ctx, c, key, fields)
}

func TestApplyUpdateDoesNotRecreateDeletedAction(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	svc := New(racingStore{store}, nil)

	err := svc.ApplyUpdate(ctx, id, Update{Status: ptr(domain.ActionResolved), ActionDetails: ptr("fixed")})
	require.ErrorIs(t, err, ErrNotFound)

	recs, err := store.Query(ctx, ports.CorrectiveActions, ports.Query{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
