package domain

import (
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"safetypatrol/internal/ports"
)

// Record field names used outside the codec (queries and merge patches).
const (
	FieldInspectionID              = "inspection_id"
	FieldItemID                    = "item_id"
	FieldBuilding                  = "building"
	FieldDivision                  = "division"
	FieldDepartment                = "department"
	FieldCategory                  = "category"
	FieldItemName                  = "item_name"
	FieldResponsible               = "responsible"
	FieldStatus                    = "status"
	FieldInspectionDetails         = "inspection_details"
	FieldInspectionRecommendations = "inspection_recommendations"
	FieldInspectionImages          = "inspection_images"
	FieldActionDetails             = "action_details"
	FieldActionDate                = "action_date"
	FieldActionBy                  = "action_by"
	FieldActionImages              = "action_images"
	FieldIsNew                     = "is_new"
)

// InspectionFields encodes an inspection as store fields.
func InspectionFields(in Inspection) (map[string]any, error) {
	return toFields(in)
}

// CorrectiveActionFields encodes a corrective action as store fields.
func CorrectiveActionFields(a CorrectiveAction) (map[string]any, error) {
	return toFields(a)
}

func InspectionFromRecord(r ports.Record) (Inspection, error) {
	var out Inspection
	if err := fromFields(r.Fields, &out); err != nil {
		return Inspection{}, fmt.Errorf("decode inspection %s: %w", r.Key, err)
	}
	out.ID = r.Key
	out.CreatedAt, out.UpdatedAt = r.CreatedAt, r.UpdatedAt
	return out, nil
}

func CorrectiveActionFromRecord(r ports.Record) (CorrectiveAction, error) {
	var out CorrectiveAction
	if err := fromFields(r.Fields, &out); err != nil {
		return CorrectiveAction{}, fmt.Errorf("decode corrective action %s: %w", r.Key, err)
	}
	out.ID = r.Key
	out.CreatedAt, out.UpdatedAt = r.CreatedAt, r.UpdatedAt
	return out, nil
}

// toFields round-trips through JSON so every adapter sees the same value
// shapes (string, bool, float64, []any, map[string]any, nil).
func toFields(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "created_at")
	delete(fields, "updated_at")
	return fields, nil
}

func fromFields(fields map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(fields)
}
