// Package parse extracts flat records from untrusted catalog response
// bodies. Matchers are tried in priority order; a body no matcher
// understands yields zero records, never an error, because a malformed
// page is indistinguishable from "no results" at this layer.
package parse

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
)

// Matcher either extracts records from a body or declines it.
type Matcher interface {
	Match(body []byte) ([]harvest.Record, bool)
}

// Parser runs an ordered list of shape matchers.
type Parser struct {
	matchers []Matcher
}

// New builds a Parser trying matchers in the given priority order.
func New(matchers ...Matcher) *Parser {
	return &Parser{matchers: matchers}
}

// Parse returns the records of the first matcher that accepts body,
// with exact duplicates collapsed in first-seen order.
func (p *Parser) Parse(body []byte) []harvest.Record {
	for _, m := range p.matchers {
		if records, ok := m.Match(body); ok {
			return dedupe(records)
		}
	}
	return nil
}

// JSONList matches a JSON array whose entries are either bare strings or
// objects carrying the value under one of several historically used key
// names, resolved by priority.
type JSONList struct {
	// Column is the record column the extracted value lands in.
	Column string
	// FieldPriority lists object key names to try, most current first.
	FieldPriority []string
}

// Match implements Matcher.
func (m JSONList) Match(body []byte) ([]harvest.Record, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var entries []any
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, false
	}
	records := make([]harvest.Record, 0, len(entries))
	for _, entry := range entries {
		value := ""
		switch v := entry.(type) {
		case string:
			value = v
		case map[string]any:
			value = firstField(v, m.FieldPriority)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		records = append(records, harvest.Record{m.Column: value})
	}
	return records, true
}

func firstField(obj map[string]any, priority []string) string {
	for _, key := range priority {
		if raw, ok := obj[key]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// HTMLTableRows matches table rows carrying exactly one cell per declared
// column, the shape the inventory results table uses.
type HTMLTableRows struct {
	Columns []string
}

// Match implements Matcher.
func (m HTMLTableRows) Match(body []byte) ([]harvest.Record, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	rows := doc.Find("tr")
	if rows.Length() == 0 {
		return nil, false
	}
	var records []harvest.Record
	rows.Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() != len(m.Columns) {
			return
		}
		record := make(harvest.Record, len(m.Columns))
		complete := true
		cells.Each(func(i int, td *goquery.Selection) {
			text := strings.TrimSpace(td.Text())
			if text == "" {
				complete = false
				return
			}
			record[m.Columns[i]] = text
		})
		if complete {
			records = append(records, record)
		}
	})
	return records, true
}

// HTMLSelectOptions matches the option texts of a named select element,
// dropping placeholder entries like "Select Make" or "All".
type HTMLSelectOptions struct {
	SelectName string
	Column     string
	DropTokens []string
}

// Match implements Matcher.
func (m HTMLSelectOptions) Match(body []byte) ([]harvest.Record, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	sel := doc.Find("select[name=" + m.SelectName + "], select#" + m.SelectName)
	if sel.Length() == 0 {
		return nil, false
	}
	drop := make(map[string]struct{}, len(m.DropTokens))
	for _, token := range m.DropTokens {
		drop[strings.ToLower(token)] = struct{}{}
	}
	var records []harvest.Record
	sel.Find("option").Each(func(_ int, opt *goquery.Selection) {
		text := strings.TrimSpace(opt.Text())
		if text == "" {
			return
		}
		if _, skip := drop[strings.ToLower(text)]; skip {
			return
		}
		records = append(records, harvest.Record{m.Column: text})
	})
	return records, true
}

// HTMLItemCards matches repeated card-style listing elements, pulling one
// column per declared child selector. Items missing the first declared
// field are skipped; other absent fields leave the column empty.
type HTMLItemCards struct {
	ItemSelector string
	// Fields maps in declaration order: [column, child selector].
	Fields [][2]string
}

// Match implements Matcher.
func (m HTMLItemCards) Match(body []byte) ([]harvest.Record, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	items := doc.Find(m.ItemSelector)
	if items.Length() == 0 {
		return nil, false
	}
	var records []harvest.Record
	items.Each(func(_ int, item *goquery.Selection) {
		record := make(harvest.Record, len(m.Fields))
		for i, field := range m.Fields {
			text := strings.TrimSpace(item.Find(field[1]).First().Text())
			if i == 0 && text == "" {
				return
			}
			record[field[0]] = text
		}
		records = append(records, record)
	})
	return records, true
}

// dedupe collapses exact-duplicate records preserving first-seen order.
func dedupe(records []harvest.Record) []harvest.Record {
	seen := make(map[string]struct{}, len(records))
	out := records[:0]
	for _, r := range records {
		sig := signature(r)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, r)
	}
	return out
}

func signature(r harvest.Record) string {
	cols := make([]string, 0, len(r))
	for col := range r {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	var b strings.Builder
	for _, col := range cols {
		b.WriteString(col)
		b.WriteByte('\x1f')
		b.WriteString(r[col])
		b.WriteByte('\x1e')
	}
	return b.String()
}
