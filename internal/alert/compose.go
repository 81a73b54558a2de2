package alert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
)

func subjectFor(state State, sourceKey string, matched harvest.Delta) string {
	location := displayName(sourceKey)
	switch state {
	case StateNoChanges:
		return fmt.Sprintf("No inventory changes at %s today", location)
	case StateNoMatch:
		return fmt.Sprintf("Inventory changed at %s, but nothing matched your alert", location)
	default:
		return fmt.Sprintf("%s at %s match your alert", countPhrase(matched), location)
	}
}

func countPhrase(d harvest.Delta) string {
	var parts []string
	if n := len(d.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("%d new %s", n, plural(n, "vehicle")))
	}
	if n := len(d.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", n))
	}
	if n := len(d.Changed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d updated", n))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func bodyFor(state State, sourceKey string, matched harvest.Delta) string {
	location := displayName(sourceKey)
	var b strings.Builder
	switch state {
	case StateNoChanges:
		fmt.Fprintf(&b, "<p>No inventory changes were detected at %s since the last check. We'll keep checking every day.</p>", location)
	case StateNoMatch:
		fmt.Fprintf(&b, "<p>The %s inventory changed since the last check, but none of the changes matched your alert criteria. We'll keep checking every day.</p>", location)
	default:
		fmt.Fprintf(&b, "<p>Inventory changes at %s matched your alert:</p>", location)
		appendSection(&b, "New arrivals", matched.Added)
		appendSection(&b, "No longer listed", matched.Removed)
		appendSection(&b, "Updated", matched.Changed)
	}
	return b.String()
}

func appendSection(b *strings.Builder, title string, records []harvest.Record) {
	if len(records) == 0 {
		return
	}
	fmt.Fprintf(b, "<h3>%s</h3>", title)
	b.WriteString(renderTable(records))
}

// renderTable lays matched records out as an HTML table, columns sorted
// with the identity columns first.
func renderTable(records []harvest.Record) string {
	columns := tableColumns(records)
	t := table.NewWriter()
	header := make(table.Row, len(columns))
	for i, col := range columns {
		header[i] = strings.ToUpper(col[:1]) + col[1:]
	}
	t.AppendHeader(header)
	for _, record := range records {
		row := make(table.Row, len(columns))
		for i, col := range columns {
			row[i] = record[col]
		}
		t.AppendRow(row)
	}
	return t.RenderHTML()
}

// preferredOrder puts the columns readers care about first.
var preferredOrder = []string{"year", "make", "model", "row", "term", "title", "price", "date"}

func tableColumns(records []harvest.Record) []string {
	present := make(map[string]struct{})
	for _, r := range records {
		for col := range r {
			present[col] = struct{}{}
		}
	}
	var columns []string
	for _, col := range preferredOrder {
		if _, ok := present[col]; ok {
			columns = append(columns, col)
			delete(present, col)
		}
	}
	var rest []string
	for col := range present {
		rest = append(rest, col)
	}
	sort.Strings(rest)
	return append(columns, rest...)
}

// displayName renders a source key for humans: "garden_city" becomes
// "Garden City".
func displayName(sourceKey string) string {
	words := strings.Split(strings.ReplaceAll(sourceKey, "_", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
