package rollups

import (
	"sort"

	"github.com/shopspring/decimal"

	"safetypatrol/internal/domain"
)

type Finding struct {
	ItemName string `json:"item_name"`
	Category string `json:"category"`
	Date     string `json:"date"`
}

// DepartmentFindings groups one building's findings of one status by
// sub-department.
type DepartmentFindings struct {
	Department string    `json:"department"`
	LatestDate string    `json:"latest_date"`
	Items      []Finding `json:"items"`
}

type BuildingStats struct {
	Building string `json:"building"`
	Counts
	NormalPct               decimal.Decimal      `json:"normal_pct"`
	AbnormalPct             decimal.Decimal      `json:"abnormal_pct"`
	NotRelevantPct          decimal.Decimal      `json:"not_relevant_pct"`
	AbnormalByDepartment    []DepartmentFindings `json:"abnormal_by_department"`
	NotRelevantByDepartment []DepartmentFindings `json:"not_relevant_by_department"`
}

type BuildingRollup struct {
	Buildings []BuildingStats `json:"buildings"`
}

type buildingAcc struct {
	counts      Counts
	abnormal    map[string]*DepartmentFindings
	notRelevant map[string]*DepartmentFindings
}

// Buildings computes per-building status counts over the filtered inspections.
func Buildings(ins []domain.Inspection, f Filter) BuildingRollup {
	acc := make(map[string]*buildingAcc)
	for _, in := range selectInspections(ins, f) {
		if len(in.Items) == 0 {
			continue
		}
		b, ok := acc[in.Building]
		if !ok {
			b = &buildingAcc{
				abnormal:    make(map[string]*DepartmentFindings),
				notRelevant: make(map[string]*DepartmentFindings),
			}
			acc[in.Building] = b
		}
		dept := departmentKey(in)
		for _, it := range in.Items {
			b.counts.add(it.Status)
			switch it.Status {
			case domain.ItemAbnormal:
				addFinding(b.abnormal, dept, in.Date, it)
			case domain.ItemNotRelevant:
				addFinding(b.notRelevant, dept, in.Date, it)
			}
		}
	}

	out := BuildingRollup{Buildings: make([]BuildingStats, 0, len(acc))}
	for name, b := range acc {
		out.Buildings = append(out.Buildings, BuildingStats{
			Building:                name,
			Counts:                  b.counts,
			NormalPct:               percent(b.counts.Normal, b.counts.Total),
			AbnormalPct:             percent(b.counts.Abnormal, b.counts.Total),
			NotRelevantPct:          percent(b.counts.NotRelevant, b.counts.Total),
			AbnormalByDepartment:    sortedFindings(b.abnormal),
			NotRelevantByDepartment: sortedFindings(b.notRelevant),
		})
	}
	sort.Slice(out.Buildings, func(i, j int) bool { return out.Buildings[i].Building < out.Buildings[j].Building })
	return out
}

func addFinding(groups map[string]*DepartmentFindings, dept, date string, it domain.InspectionItem) {
	g, ok := groups[dept]
	if !ok {
		g = &DepartmentFindings{Department: dept}
		groups[dept] = g
	}
	g.Items = append(g.Items, Finding{ItemName: it.Name, Category: it.Category, Date: date})
	if laterDate(date, g.LatestDate) {
		g.LatestDate = date
	}
}

// laterDate reports whether a is more recent than b. Dates that fall on the
// same day are ordered by string, which is only "latest" for uniform ISO input.
func laterDate(a, b string) bool {
	if b == "" {
		return true
	}
	da, _ := ParseDate(a)
	db, _ := ParseDate(b)
	if !da.Equal(db) {
		return da.After(db)
	}
	return a > b
}

func sortedFindings(groups map[string]*DepartmentFindings) []DepartmentFindings {
	out := make([]DepartmentFindings, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Department < out[j].Department })
	return out
}

var hundred = decimal.NewFromInt(100)

func percent(n, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(n)).Mul(hundred).Div(decimal.NewFromInt(int64(total))).Round(1)
}
