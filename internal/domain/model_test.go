package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetypatrol/internal/ports"
)

func TestCorrectiveActionIDDeterministic(t *testing.T) {
	a := CorrectiveActionID("A", "1")
	assert.Equal(t, a, CorrectiveActionID("A", "1"))
	assert.NotEqual(t, a, CorrectiveActionID("A", "2"))
	// naive "-" concatenation would collide on these
	assert.NotEqual(t, CorrectiveActionID("a-b", "c"), CorrectiveActionID("a", "b-c"))
	assert.NotEqual(t, CorrectiveActionID("ab", "c"), CorrectiveActionID("a", "bc"))
}

func TestAbnormalItems(t *testing.T) {
	in := Inspection{Items: []InspectionItem{
		{ID: "1", Status: ItemAbnormal},
		{ID: "2", Status: ItemNormal},
		{ID: "3", Status: ItemAbnormal},
		{ID: "4", Status: ItemNotRelevant},
	}}
	got := in.AbnormalItems()
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}

func TestInspectionCodec(t *testing.T) {
	dept := "lab"
	in := Inspection{
		ID: "A", Date: "2024-05-01", Time: "09:30", Building: "B1", Division: "D1",
		Department: &dept, InspectorNames: []string{"x", "y"},
		Items: []InspectionItem{
			{ID: "1", Category: "fire", Name: "extinguisher", Status: ItemAbnormal, Images: []string{"img"}, IsCustom: true},
		},
		CreatedAt: time.Now(),
	}
	fields, err := InspectionFields(in)
	require.NoError(t, err)
	assert.NotContains(t, fields, "created_at")

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	out, err := InspectionFromRecord(ports.Record{Key: "A", Fields: fields, CreatedAt: ts, UpdatedAt: ts})
	require.NoError(t, err)
	assert.Equal(t, "lab", *out.Department)
	assert.Equal(t, []string{"x", "y"}, out.InspectorNames)
	require.Len(t, out.Items, 1)
	assert.Equal(t, ItemAbnormal, out.Items[0].Status)
	assert.True(t, out.Items[0].IsCustom)
	assert.Equal(t, []string{"img"}, out.Items[0].Images)
	assert.Equal(t, ts, out.CreatedAt)
}

func TestCorrectiveActionCodecNullDepartment(t *testing.T) {
	fields, err := CorrectiveActionFields(CorrectiveAction{ID: "x", Status: ActionUnderReview, IsNew: true})
	require.NoError(t, err)
	assert.Contains(t, fields, FieldDepartment)
	assert.Nil(t, fields[FieldDepartment])

	out, err := CorrectiveActionFromRecord(ports.Record{Key: "x", Fields: fields})
	require.NoError(t, err)
	assert.Nil(t, out.Department)
	assert.True(t, out.IsNew)
	assert.Equal(t, ActionUnderReview, out.Status)
}

func TestStatusValid(t *testing.T) {
	assert.True(t, ItemNotRelevant.Valid())
	assert.False(t, ItemStatus("broken").Valid())
	for _, s := range ActionStatuses {
		assert.True(t, s.Valid())
	}
	assert.False(t, ActionStatus("").Valid())
}
