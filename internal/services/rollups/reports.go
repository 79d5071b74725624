package rollups

import (
	"strings"
	"time"

	"safetypatrol/internal/domain"
)

// ReportFilter selects inspections for the history list. Unlike Filter, a
// zero Start or End leaves that side of the range open, and every other empty
// field matches everything.
type ReportFilter struct {
	Start      time.Time
	End        time.Time
	Division   string
	Department string
	Search     string
}

// Reports returns the inspections matching f, keeping their order. An
// inspection whose date is missing or unparseable passes the date bounds.
func Reports(ins []domain.Inspection, f ReportFilter) []domain.Inspection {
	needle := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]domain.Inspection, 0, len(ins))
	for _, in := range ins {
		if f.matches(in, needle) {
			out = append(out, in)
		}
	}
	return out
}

func (f ReportFilter) matches(in domain.Inspection, needle string) bool {
	if d, ok := ParseDate(in.Date); ok {
		if !f.Start.IsZero() && d.Before(day(f.Start)) {
			return false
		}
		if !f.End.IsZero() && d.After(day(f.End)) {
			return false
		}
	}
	if f.Division != "" && in.Division != f.Division {
		return false
	}
	if f.Department != "" && (in.Department == nil || *in.Department != f.Department) {
		return false
	}
	return needle == "" || matchesSearch(in, needle)
}
