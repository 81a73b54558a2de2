// Package subscription turns free-form tracker issues into structured
// alert filters. The issue tracker is the source of truth: subscriptions
// are derived fresh each run and never persisted.
package subscription

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
)

// YearRange is an inclusive model-year filter.
type YearRange struct {
	Min int
	Max int
}

// Contains reports whether year falls inside the range.
func (r YearRange) Contains(year int) bool {
	return year >= r.Min && year <= r.Max
}

// Subscription is one parsed interest declaration. Empty filter sets mean
// "match everything" for that dimension.
type Subscription struct {
	Email     string
	Makes     map[string]struct{}
	Models    map[string]struct{}
	Years     *YearRange
	Locations map[string]struct{}
}

// AppliesTo reports whether the subscription covers sourceKey. An empty
// location filter covers every source.
func (s Subscription) AppliesTo(sourceKey string) bool {
	if len(s.Locations) == 0 {
		return true
	}
	_, ok := s.Locations[sourceKey]
	return ok
}

// MatchesRecord applies the (year, make, model) predicate to one record.
func (s Subscription) MatchesRecord(r harvest.Record) bool {
	if len(s.Makes) > 0 {
		if _, ok := s.Makes[strings.ToUpper(strings.TrimSpace(r["make"]))]; !ok {
			return false
		}
	}
	if len(s.Models) > 0 {
		if _, ok := s.Models[strings.ToUpper(strings.TrimSpace(r["model"]))]; !ok {
			return false
		}
	}
	if s.Years != nil {
		year, err := strconv.Atoi(strings.TrimSpace(r["year"]))
		if err != nil || !s.Years.Contains(year) {
			return false
		}
	}
	return true
}

// LocationAliases maps canonical source keys to the spellings people use
// for them in issues.
type LocationAliases map[string][]string

// DefaultLocationAliases covers the five yard locations.
func DefaultLocationAliases() LocationAliases {
	return LocationAliases{
		"boise":       {"boise"},
		"caldwell":    {"caldwell"},
		"garden_city": {"garden city", "garden_city", "gardencity"},
		"nampa":       {"nampa"},
		"twin_falls":  {"twin falls", "twin_falls", "twinfalls"},
	}
}

var (
	headingPattern = regexp.MustCompile(`(?m)^###\s+(.+?)\s*$`)
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	yearPattern    = regexp.MustCompile(`(\d{4})(?:\s*[-\x{2013}]\s*(\d{4}))?`)
)

// Resolver parses issues into subscriptions.
type Resolver struct {
	aliases LocationAliases
	logger  *zap.Logger
}

// NewResolver builds a Resolver with the given location alias table.
func NewResolver(aliases LocationAliases, logger *zap.Logger) *Resolver {
	if aliases == nil {
		aliases = DefaultLocationAliases()
	}
	return &Resolver{aliases: aliases, logger: logger}
}

// Resolve parses one issue. An issue without a resolvable notification
// address fails; the caller excludes it and moves on.
func (r *Resolver) Resolve(issue harvest.Issue) (Subscription, error) {
	sections := splitSections(issue.Body)

	email := firstEmail(sections["email to notify"])
	if email == "" {
		// Section absent or empty: fall back to anything email-shaped
		// in the title or body.
		email = firstEmail(issue.Title + "\n" + issue.Body)
	}
	if email == "" {
		return Subscription{}, fmt.Errorf("issue #%d: no notification address found", issue.Number)
	}

	sub := Subscription{
		Email:     email,
		Makes:     tokenSet(sections["make"]),
		Models:    tokenSet(sections["model"]),
		Years:     parseYearRange(sections["year range"]),
		Locations: r.resolveLocations(sections["yard"]),
	}
	return sub, nil
}

// ResolveAll parses every issue, logging and dropping the malformed ones.
func (r *Resolver) ResolveAll(issues []harvest.Issue) []Subscription {
	subs := make([]Subscription, 0, len(issues))
	for _, issue := range issues {
		sub, err := r.Resolve(issue)
		if err != nil {
			r.logger.Warn("skipping malformed subscription issue",
				zap.Int("issue", issue.Number),
				zap.Error(err),
			)
			continue
		}
		subs = append(subs, sub)
	}
	return subs
}

// splitSections maps normalized heading names to the text between that
// heading and the next one.
func splitSections(body string) map[string]string {
	sections := make(map[string]string)
	matches := headingPattern.FindAllStringSubmatchIndex(body, -1)
	for i, m := range matches {
		heading := normalizeHeading(body[m[2]:m[3]])
		end := len(body)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		sections[heading] = strings.TrimSpace(body[m[1]:end])
	}
	return sections
}

// normalizeHeading lowercases and strips plural markers so "Make(s)",
// "Makes" and "make" all address the same section.
func normalizeHeading(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, "(s)", "")
	h = strings.TrimSpace(h)
	if h != "yards" && h != "models" && h != "makes" {
		return h
	}
	return strings.TrimSuffix(h, "s")
}

func firstEmail(text string) string {
	return emailPattern.FindString(text)
}

// tokenSet splits comma- and newline-separated tokens into an
// uppercase set; empty entries are dropped.
func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(text, "\n") {
		for _, token := range strings.Split(line, ",") {
			token = strings.ToUpper(strings.TrimSpace(token))
			if token != "" {
				set[token] = struct{}{}
			}
		}
	}
	return set
}

// parseYearRange accepts "1996" or "1996-1999" (hyphen or en-dash) in
// either declared order. Unparseable input means "all years".
func parseYearRange(text string) *YearRange {
	m := yearPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	lo, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	hi := lo
	if m[2] != "" {
		hi, err = strconv.Atoi(m[2])
		if err != nil {
			return nil
		}
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	return &YearRange{Min: lo, Max: hi}
}

// resolveLocations maps free-text yard tokens to canonical keys; unmapped
// tokens are dropped. No resolved keys means "all locations".
func (r *Resolver) resolveLocations(text string) map[string]struct{} {
	resolved := make(map[string]struct{})
	for _, line := range strings.Split(text, "\n") {
		for _, token := range strings.Split(line, ",") {
			token = strings.ToLower(strings.TrimSpace(token))
			if token == "" {
				continue
			}
			for canonical, aliases := range r.aliases {
				for _, alias := range aliases {
					if token == alias || strings.Contains(token, alias) || strings.Contains(alias, token) {
						resolved[canonical] = struct{}{}
					}
				}
			}
		}
	}
	return resolved
}
