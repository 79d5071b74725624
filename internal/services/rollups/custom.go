package rollups

import (
	"sort"

	"safetypatrol/internal/domain"
)

// CustomItemOccurrence points back at the inspection a custom item came from.
type CustomItemOccurrence struct {
	InspectionID string  `json:"inspection_id"`
	Date         string  `json:"date"`
	Building     string  `json:"building"`
	Division     string  `json:"division"`
	Department   *string `json:"department"`
}

type CustomItemStats struct {
	Category    string                 `json:"category"`
	Name        string                 `json:"name"`
	Normal      int                    `json:"normal"`
	Abnormal    int                    `json:"abnormal"`
	NotRelevant int                    `json:"not_relevant"`
	Occurrences []CustomItemOccurrence `json:"occurrences"`
}

type CustomItemRollup struct {
	Items []CustomItemStats `json:"items"`
}

type customKey struct{ category, name string }

// CustomItems counts ad-hoc checklist entries by (category, name).
func CustomItems(ins []domain.Inspection, f Filter) CustomItemRollup {
	acc := make(map[customKey]*CustomItemStats)
	for _, in := range selectInspections(ins, f) {
		for _, it := range in.Items {
			if !it.IsCustom {
				continue
			}
			k := customKey{it.Category, it.Name}
			st, ok := acc[k]
			if !ok {
				st = &CustomItemStats{Category: it.Category, Name: it.Name}
				acc[k] = st
			}
			switch it.Status {
			case domain.ItemNormal:
				st.Normal++
			case domain.ItemAbnormal:
				st.Abnormal++
			case domain.ItemNotRelevant:
				st.NotRelevant++
			}
			st.Occurrences = append(st.Occurrences, CustomItemOccurrence{
				InspectionID: in.ID,
				Date:         in.Date,
				Building:     in.Building,
				Division:     in.Division,
				Department:   in.Department,
			})
		}
	}

	out := CustomItemRollup{Items: make([]CustomItemStats, 0, len(acc))}
	for _, st := range acc {
		out.Items = append(out.Items, *st)
	}
	sort.Slice(out.Items, func(i, j int) bool {
		if out.Items[i].Category != out.Items[j].Category {
			return out.Items[i].Category < out.Items[j].Category
		}
		return out.Items[i].Name < out.Items[j].Name
	})
	return out
}
