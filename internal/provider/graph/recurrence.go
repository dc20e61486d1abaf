package graph

import (
	"fmt"
	"strings"
)

// recurrence is Graph's patternedRecurrence resource.
type recurrence struct {
	Pattern recurrencePattern `json:"pattern"`
	Range   recurrenceRange   `json:"range"`
}

type recurrencePattern struct {
	Type       string   `json:"type"`
	Interval   int      `json:"interval"`
	DaysOfWeek []string `json:"daysOfWeek"`
	DayOfMonth int      `json:"dayOfMonth"`
	Month      int      `json:"month"`
}

type recurrenceRange struct {
	Type                string `json:"type"`
	EndDate             string `json:"endDate"`
	NumberOfOccurrences int    `json:"numberOfOccurrences"`
}

var freqByPattern = map[string]string{
	"daily":           "DAILY",
	"weekly":          "WEEKLY",
	"absoluteMonthly": "MONTHLY",
	"relativeMonthly": "MONTHLY",
	"absoluteYearly":  "YEARLY",
	"relativeYearly":  "YEARLY",
}

// RRule converts the Graph pattern into an RFC 5545 recurrence rule value
// (without the "RRULE:" property name).
func (r *recurrence) RRule() string {
	freq, ok := freqByPattern[r.Pattern.Type]
	if !ok {
		freq = "DAILY"
	}
	parts := []string{"FREQ=" + freq}

	if r.Pattern.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", r.Pattern.Interval))
	}

	if len(r.Pattern.DaysOfWeek) > 0 {
		days := make([]string, 0, len(r.Pattern.DaysOfWeek))
		for _, d := range r.Pattern.DaysOfWeek {
			if len(d) < 2 {
				continue
			}
			days = append(days, strings.ToUpper(d[:2]))
		}
		if len(days) > 0 {
			parts = append(parts, "BYDAY="+strings.Join(days, ","))
		}
	}

	if r.Pattern.DayOfMonth > 0 {
		parts = append(parts, fmt.Sprintf("BYMONTHDAY=%d", r.Pattern.DayOfMonth))
	}
	if r.Pattern.Month > 0 {
		parts = append(parts, fmt.Sprintf("BYMONTH=%d", r.Pattern.Month))
	}

	switch r.Range.Type {
	case "endDate":
		if r.Range.EndDate != "" {
			parts = append(parts, "UNTIL="+strings.ReplaceAll(r.Range.EndDate, "-", ""))
		}
	case "numbered":
		if r.Range.NumberOfOccurrences > 0 {
			parts = append(parts, fmt.Sprintf("COUNT=%d", r.Range.NumberOfOccurrences))
		}
	}

	return strings.Join(parts, ";")
}
