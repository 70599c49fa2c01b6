// Package streak computes daily check-in streaks and warns members whose
// streak is about to break.
package streak

import (
	"sort"
	"time"
)

// DayLayout is the storage format of a check-in day.
const DayLayout = "2006-01-02"

// Status summarizes a member's check-in history as of a given day.
type Status struct {
	Current        int    `json:"current"`
	Longest        int    `json:"longest"`
	LastCheckIn    string `json:"last_check_in,omitempty"`
	CheckedInToday bool   `json:"checked_in_today"`
	// AtRisk is set when the streak is still alive but today has no check-in.
	AtRisk bool `json:"at_risk"`
}

// Day returns the UTC calendar day of t.
func Day(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// Compute derives the streak status from check-in days. Unparseable and
// duplicate days are ignored, as are days after now.
func Compute(days []string, now time.Time) Status {
	today := truncate(now)

	seen := make(map[time.Time]bool, len(days))
	var parsed []time.Time
	for _, d := range days {
		t, err := time.Parse(DayLayout, d)
		if err != nil || t.After(today) || seen[t] {
			continue
		}
		seen[t] = true
		parsed = append(parsed, t)
	}
	if len(parsed) == 0 {
		return Status{}
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Before(parsed[j]) })

	var st Status
	run := 0
	for i, t := range parsed {
		if i > 0 && t.Sub(parsed[i-1]) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		if run > st.Longest {
			st.Longest = run
		}
	}

	last := parsed[len(parsed)-1]
	st.LastCheckIn = last.Format(DayLayout)
	st.CheckedInToday = last.Equal(today)

	yesterday := today.AddDate(0, 0, -1)
	if st.CheckedInToday || last.Equal(yesterday) {
		st.Current = run
	}
	st.AtRisk = !st.CheckedInToday && st.Current > 0
	return st
}

func truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
