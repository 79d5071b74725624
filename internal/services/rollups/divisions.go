package rollups

import (
	"sort"

	"safetypatrol/internal/domain"
)

type AbnormalDetail struct {
	ItemName    string `json:"item_name"`
	Details     string `json:"details,omitempty"`
	Responsible string `json:"responsible,omitempty"`
	Date        string `json:"date"`
	Building    string `json:"building"`
}

type CategoryStats struct {
	Category      string           `json:"category"`
	Normal        int              `json:"normal"`
	Abnormal      int              `json:"abnormal"`
	NotRelevant   int              `json:"not_relevant"`
	AbnormalItems []AbnormalDetail `json:"abnormal_items"`
}

// Occurrence is one inspection round within a department. Two rounds on the
// same day stay separate because they are keyed by inspection id.
type Occurrence struct {
	InspectionID string          `json:"inspection_id"`
	Date         string          `json:"date"`
	Time         string          `json:"time"`
	Building     string          `json:"building"`
	Categories   []CategoryStats `json:"categories"`
}

type DepartmentStats struct {
	Department  string       `json:"department"`
	Occurrences []Occurrence `json:"occurrences"`
}

type DivisionStats struct {
	Division    string            `json:"division"`
	Departments []DepartmentStats `json:"departments"`
}

type DivisionRollup struct {
	Divisions []DivisionStats `json:"divisions"`
}

// Divisions groups division → department → inspection → category. Inspections
// without items produce no occurrence.
func Divisions(ins []domain.Inspection, f Filter) DivisionRollup {
	tree := make(map[string]map[string][]Occurrence)
	for _, in := range selectInspections(ins, f) {
		if len(in.Items) == 0 {
			continue
		}
		depts, ok := tree[in.Division]
		if !ok {
			depts = make(map[string][]Occurrence)
			tree[in.Division] = depts
		}
		dept := departmentKey(in)
		depts[dept] = append(depts[dept], occurrence(in))
	}

	out := DivisionRollup{Divisions: make([]DivisionStats, 0, len(tree))}
	for div, depts := range tree {
		ds := DivisionStats{Division: div, Departments: make([]DepartmentStats, 0, len(depts))}
		for dept, occs := range depts {
			sortOccurrences(occs)
			ds.Departments = append(ds.Departments, DepartmentStats{Department: dept, Occurrences: occs})
		}
		sort.Slice(ds.Departments, func(i, j int) bool { return ds.Departments[i].Department < ds.Departments[j].Department })
		out.Divisions = append(out.Divisions, ds)
	}
	sort.Slice(out.Divisions, func(i, j int) bool { return out.Divisions[i].Division < out.Divisions[j].Division })
	return out
}

// occurrence folds one inspection's items by category in first-seen order.
func occurrence(in domain.Inspection) Occurrence {
	occ := Occurrence{InspectionID: in.ID, Date: in.Date, Time: in.Time, Building: in.Building}
	index := make(map[string]int)
	for _, it := range in.Items {
		i, ok := index[it.Category]
		if !ok {
			i = len(occ.Categories)
			index[it.Category] = i
			occ.Categories = append(occ.Categories, CategoryStats{Category: it.Category})
		}
		cat := &occ.Categories[i]
		switch it.Status {
		case domain.ItemNormal:
			cat.Normal++
		case domain.ItemAbnormal:
			cat.Abnormal++
			cat.AbnormalItems = append(cat.AbnormalItems, AbnormalDetail{
				ItemName:    it.Name,
				Details:     it.Details,
				Responsible: it.Responsible,
				Date:        in.Date,
				Building:    in.Building,
			})
		case domain.ItemNotRelevant:
			cat.NotRelevant++
		}
	}
	return occ
}

// sortOccurrences orders most recent first by date then time; ties fall back
// to inspection id so output is stable.
func sortOccurrences(occs []Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		ti, tj := occurredAt(occs[i].Date, occs[i].Time), occurredAt(occs[j].Date, occs[j].Time)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return occs[i].InspectionID < occs[j].InspectionID
	})
}
