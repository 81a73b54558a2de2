package catalog

import (
	"strings"
	"time"
)

// refreshGroups partitions the alphabet into one disjoint letter group
// per weekday. A make is rechecked on the day whose group carries its
// first letter, so every make gets exactly one scheduled refresh a week.
var refreshGroups = [7]string{
	"ABC",
	"DEF",
	"GHIJ",
	"KLMN",
	"OPQR",
	"STUV",
	"WXYZ",
}

// RefreshGroup returns the letter group scheduled for the given day.
func RefreshGroup(day time.Weekday) string {
	return refreshGroups[int(day)%len(refreshGroups)]
}

// ScheduledMakes selects the makes whose first letter falls in today's
// refresh group. Comparison is case-insensitive; makes starting with a
// non-letter are never scheduled and only resurface via the
// new-since-last-snapshot set.
func ScheduledMakes(makes []string, day time.Weekday) map[string]struct{} {
	group := RefreshGroup(day)
	scheduled := make(map[string]struct{})
	for _, m := range makes {
		trimmed := strings.TrimSpace(m)
		if trimmed == "" {
			continue
		}
		first := strings.ToUpper(trimmed[:1])
		if strings.Contains(group, first) {
			scheduled[strings.ToUpper(trimmed)] = struct{}{}
		}
	}
	return scheduled
}
