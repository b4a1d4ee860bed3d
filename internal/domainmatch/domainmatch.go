// Package domainmatch implements the domain matcher of spec.md §4.2: a
// named, compiled set of domain-suffix patterns matched against a query
// name. Grounded on the shape of the teacher's
// pkg/forwarder/matcher.go DomainMatcher, collapsed to the single anchored
// suffix-regex semantics spec.md mandates.
package domainmatch

import (
	"fmt"
	"regexp"
	"strings"
)

// Group is a named compiled set of domain-suffix patterns. Each configured
// domain d is compiled to the anchored suffix pattern ^(?:.*\.)?<escape(d)>\.?$,
// so "example.com" matches "example.com", "example.com.", "www.example.com"
// and "a.b.example.com", but not "notexample.com" or "example.com.evil" — the
// optional leading group requires a label boundary ('.') before the literal
// rather than allowing an arbitrary prefix to run straight into it.
type Group struct {
	re       *regexp.Regexp
	patterns []string
}

// NewGroup compiles patterns into a single alternation regex. An empty
// pattern list yields a Group that never matches anything.
func NewGroup(patterns []string) (*Group, error) {
	alternatives := make([]string, 0, len(patterns))
	normalized := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		d := normalize(raw)
		if d == "" {
			continue
		}
		normalized = append(normalized, d)
		alternatives = append(alternatives, `(?:.*\.)?`+regexp.QuoteMeta(d)+`\.?`)
	}
	if len(alternatives) == 0 {
		return &Group{re: regexp.MustCompile(`a^`)}, nil
	}
	pattern := "^(?:" + strings.Join(alternatives, "|") + ")$"
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("domainmatch: invalid pattern set: %w", err)
	}
	return &Group{re: re, patterns: normalized}, nil
}

// IsMatch reports whether name matches any pattern in the group.
func (g *Group) IsMatch(name string) bool {
	return g.re.MatchString(strings.ToLower(strings.TrimSpace(name)))
}

// Patterns returns the normalized source patterns the group was built
// from, used when a [[requests]] entry needs to union several named
// groups into one compiled matcher.
func (g *Group) Patterns() []string {
	return g.patterns
}

func normalize(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimSuffix(d, ".")
	return d
}

// LoadLines splits newline-delimited domain list content into patterns,
// skipping blank lines and '#'-prefixed comments. Applied to the contents
// of files referenced by `files` in [domains.<name>] and [ranges.<name>]
// config tables; inline `list` entries are taken as given, without this
// filtering.
func LoadLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
