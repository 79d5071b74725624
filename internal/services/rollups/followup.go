package rollups

import (
	"sort"

	"safetypatrol/internal/domain"
)

const unspecified = "unspecified"

type StatusCount struct {
	Status domain.ActionStatus `json:"status"`
	Count  int                 `json:"count"`
}

type DepartmentActions struct {
	Department string                    `json:"department"`
	Actions    []domain.CorrectiveAction `json:"actions"`
}

type BuildingActions struct {
	Building    string              `json:"building"`
	Departments []DepartmentActions `json:"departments"`
}

type ResponsibleActions struct {
	Responsible string            `json:"responsible"`
	Count       int               `json:"count"`
	Buildings   []BuildingActions `json:"buildings"`
}

// FollowUpBoard is the remediation overview over all corrective actions.
type FollowUpBoard struct {
	Total         int                  `json:"total"`
	New           int                  `json:"new"`
	Statuses      []StatusCount        `json:"statuses"`
	ByResponsible []ResponsibleActions `json:"by_responsible"`
}

// FollowUp groups corrective actions responsible → building → department.
// Unlike the inspection rollups, blank values here fall back: department to
// division, and anything still blank to "unspecified". Actions keep their
// input order inside a group.
func FollowUp(actions []domain.CorrectiveAction) FollowUpBoard {
	board := FollowUpBoard{Total: len(actions)}
	statuses := make(map[domain.ActionStatus]int)
	tree := make(map[string]map[string]map[string][]domain.CorrectiveAction)
	for _, a := range actions {
		if a.IsNew {
			board.New++
		}
		statuses[a.Status]++

		resp := orUnspecified(a.Responsible)
		building := orUnspecified(a.Building)
		dept := a.Division
		if a.Department != nil && *a.Department != "" {
			dept = *a.Department
		}
		dept = orUnspecified(dept)

		if tree[resp] == nil {
			tree[resp] = make(map[string]map[string][]domain.CorrectiveAction)
		}
		if tree[resp][building] == nil {
			tree[resp][building] = make(map[string][]domain.CorrectiveAction)
		}
		tree[resp][building][dept] = append(tree[resp][building][dept], a)
	}

	for _, st := range domain.ActionStatuses {
		board.Statuses = append(board.Statuses, StatusCount{Status: st, Count: statuses[st]})
	}

	for _, resp := range sortedKeys(tree) {
		ra := ResponsibleActions{Responsible: resp}
		for _, building := range sortedKeys(tree[resp]) {
			ba := BuildingActions{Building: building}
			for _, dept := range sortedKeys(tree[resp][building]) {
				acts := tree[resp][building][dept]
				ra.Count += len(acts)
				ba.Departments = append(ba.Departments, DepartmentActions{Department: dept, Actions: acts})
			}
			ra.Buildings = append(ra.Buildings, ba)
		}
		board.ByResponsible = append(board.ByResponsible, ra)
	}
	return board
}

func orUnspecified(s string) string {
	if s == "" {
		return unspecified
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
