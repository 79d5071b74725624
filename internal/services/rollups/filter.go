// Package rollups folds the inspection collection into grouped summaries.
// Every rollup is a pure function of its inputs and is recomputed in full.
package rollups

import (
	"strings"
	"time"

	"safetypatrol/internal/domain"
)

// UnspecifiedDepartment is the bucket for inspections recorded without a
// department. An empty department string is its own bucket.
const UnspecifiedDepartment = "unspecified department"

// DateRange is inclusive on both ends by calendar date. A zero Start or End
// means the bound is unset, and an unset bound selects nothing.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func (r DateRange) Set() bool { return !r.Start.IsZero() && !r.End.IsZero() }

type Filter struct {
	Range DateRange
	// Search, when non-empty, keeps inspections whose building, division or
	// department contains it, case-insensitively.
	Search string
}

func (f Filter) key() string {
	return day(f.Range.Start).Format(time.DateOnly) + "|" + day(f.Range.End).Format(time.DateOnly) + "|" + strings.ToLower(f.Search)
}

var dateLayouts = []string{time.DateOnly, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// ParseDate parses an inspection date and truncates it to the calendar day.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return day(t), true
		}
	}
	return time.Time{}, false
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var clockLayouts = []string{"15:04:05", "15:04", time.Kitchen}

// occurredAt combines an inspection's date and time; a missing or unparseable
// time counts as midnight.
func occurredAt(date, clock string) time.Time {
	d, _ := ParseDate(date)
	if clock == "" {
		clock = "00:00"
	}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, clock); err == nil {
			return d.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second)
		}
	}
	return d
}

func departmentKey(in domain.Inspection) string {
	if in.Department == nil {
		return UnspecifiedDepartment
	}
	return *in.Department
}

func selectInspections(ins []domain.Inspection, f Filter) []domain.Inspection {
	if !f.Range.Set() {
		return nil
	}
	start, end := day(f.Range.Start), day(f.Range.End)
	needle := strings.ToLower(f.Search)
	var out []domain.Inspection
	for _, in := range ins {
		d, ok := ParseDate(in.Date)
		if !ok || d.Before(start) || d.After(end) {
			continue
		}
		if needle != "" && !matchesSearch(in, needle) {
			continue
		}
		out = append(out, in)
	}
	return out
}

func matchesSearch(in domain.Inspection, needle string) bool {
	if strings.Contains(strings.ToLower(in.Building), needle) || strings.Contains(strings.ToLower(in.Division), needle) {
		return true
	}
	return in.Department != nil && strings.Contains(strings.ToLower(*in.Department), needle)
}

// Counts tallies item statuses.
type Counts struct {
	Normal      int `json:"normal"`
	Abnormal    int `json:"abnormal"`
	NotRelevant int `json:"not_relevant"`
	Total       int `json:"total"`
}

// add counts one item. Total includes items with an unrecognised status.
func (c *Counts) add(s domain.ItemStatus) {
	c.Total++
	switch s {
	case domain.ItemNormal:
		c.Normal++
	case domain.ItemAbnormal:
		c.Abnormal++
	case domain.ItemNotRelevant:
		c.NotRelevant++
	}
}
