package domain

import "time"

// Core domain models. Records cross the store boundary as ports.Record and are
// converted with the codec in records.go; keep these free of storage concerns.

type ItemStatus string

const (
	ItemNormal      ItemStatus = "normal"
	ItemAbnormal    ItemStatus = "abnormal"
	ItemNotRelevant ItemStatus = "not_relevant"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemNormal, ItemAbnormal, ItemNotRelevant:
		return true
	}
	return false
}

type ActionStatus string

const (
	ActionUnderReview   ActionStatus = "under_review"
	ActionInRemediation ActionStatus = "in_remediation"
	ActionResolved      ActionStatus = "resolved"
)

// ActionStatuses lists every corrective action status in workflow order.
var ActionStatuses = []ActionStatus{ActionUnderReview, ActionInRemediation, ActionResolved}

func (s ActionStatus) Valid() bool {
	switch s {
	case ActionUnderReview, ActionInRemediation, ActionResolved:
		return true
	}
	return false
}

// UnspecifiedResponsible is recorded on a corrective action whose finding named
// nobody.
const UnspecifiedResponsible = "unspecified"

type Inspection struct {
	ID             string           `json:"id" validate:"required"`
	Date           string           `json:"date"` // YYYY-MM-DD
	Time           string           `json:"time"` // HH:MM[:SS], may be empty
	Building       string           `json:"building" validate:"required"`
	Division       string           `json:"division" validate:"required"`
	Department     *string          `json:"department"`
	InspectorNames []string         `json:"inspector_names"`
	Items          []InspectionItem `json:"items" validate:"dive"`
	CreatedAt      time.Time        `json:"created_at,omitzero"`
	UpdatedAt      time.Time        `json:"updated_at,omitzero"`
}

type InspectionItem struct {
	ID              string     `json:"id" validate:"required"`
	Category        string     `json:"category"`
	Name            string     `json:"name"`
	Status          ItemStatus `json:"status" validate:"required,oneof=normal abnormal not_relevant"`
	Details         string     `json:"details,omitempty"`
	Recommendations string     `json:"recommendations,omitempty"`
	Responsible     string     `json:"responsible,omitempty"`
	Images          []string   `json:"images,omitempty"`
	IsCustom        bool       `json:"is_custom,omitempty"`
}

// AbnormalItems returns the items that require a corrective action, in item order.
func (i Inspection) AbnormalItems() []InspectionItem {
	var out []InspectionItem
	for _, it := range i.Items {
		if it.Status == ItemAbnormal {
			out = append(out, it)
		}
	}
	return out
}

type CorrectiveAction struct {
	ID           string       `json:"id"`
	InspectionID string       `json:"inspection_id"`
	ItemID       string       `json:"item_id"`
	Building     string       `json:"building"`
	Division     string       `json:"division"`
	Department   *string      `json:"department"`
	Category     string       `json:"category"`
	ItemName     string       `json:"item_name"`
	Responsible  string       `json:"responsible"`
	Status       ActionStatus `json:"status"`

	// Copied from the finding at derivation time; read-only afterwards.
	InspectionDetails         string   `json:"inspection_details"`
	InspectionRecommendations string   `json:"inspection_recommendations"`
	InspectionImages          []string `json:"inspection_images"`

	// Written by the responsible party through the lifecycle manager only.
	ActionDetails string   `json:"action_details"`
	ActionDate    string   `json:"action_date"`
	ActionBy      string   `json:"action_by"`
	ActionImages  []string `json:"action_images"`

	IsNew     bool      `json:"is_new"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}
