// Package proxyrules turns the PROXY environment string into an ordered set
// of prefix-rewrite reverse proxy rules.
//
// The accepted format is a whitespace separated list of `SOURCE -> TARGET`
// pairs, for example:
//
//	PROXY="/api -> http://localhost:8080 /events -> http://localhost:8081"
//
// Parsing never fails. Text that does not contain a pair is ignored.
// Whitespace is the Unicode set browsers treat as whitespace in regular
// expressions, so a no-break space (U+00A0) separates pairs like a space.
package proxyrules

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// space matches the ASCII whitespace of \s plus \v, the Unicode separators
// and the byte order mark.
const space = `\s\x0B\pZ\x{FEFF}`

var pairPattern = regexp.MustCompile(`([^` + space + `]+)[` + space + `]*->[` + space + `]*([^` + space + `]+)`)

// Rule forwards requests whose path starts with Prefix to Target, with the
// prefix removed before forwarding.
type Rule struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	Target string `json:"target" yaml:"target"`
}

// Matches reports whether the rule applies to the request path.
func (r Rule) Matches(path string) bool {
	return strings.HasPrefix(path, r.Prefix)
}

// Rewrite strips a leading Prefix from path. Paths that do not start with
// the prefix are returned unchanged.
func (r Rule) Rewrite(path string) string {
	return strings.TrimPrefix(path, r.Prefix)
}

// Rules is an immutable, insertion ordered set of rules keyed by prefix.
type Rules struct {
	order []string
	byKey map[string]Rule
}

// Entry is the config file representation of a rule.
type Entry = Rule

// Parse extracts every `SOURCE -> TARGET` pair from raw. A prefix seen more
// than once keeps its first position and takes the target of its last
// occurrence. Each registered rule is logged when logger is non-nil.
func Parse(raw string, logger *slog.Logger) *Rules {
	rs := newRules()
	for _, m := range pairPattern.FindAllStringSubmatch(raw, -1) {
		rs.add(Rule{Prefix: m[1], Target: m[2]}, logger)
	}
	return rs
}

// FromEntries builds a rule set from config file entries, with the same
// overwrite semantics as Parse. Entries with an empty prefix or target are
// skipped.
func FromEntries(entries []Entry, logger *slog.Logger) *Rules {
	rs := newRules()
	for _, e := range entries {
		e.Prefix = strings.TrimSpace(e.Prefix)
		e.Target = strings.TrimSpace(e.Target)
		if e.Prefix == "" || e.Target == "" {
			continue
		}
		rs.add(e, logger)
	}
	return rs
}

func newRules() *Rules {
	return &Rules{byKey: make(map[string]Rule)}
}

func (rs *Rules) add(r Rule, logger *slog.Logger) {
	if logger != nil {
		logger.Info("Adding proxy", "prefix", r.Prefix, "target", r.Target)
	}
	if _, exists := rs.byKey[r.Prefix]; !exists {
		rs.order = append(rs.order, r.Prefix)
	}
	rs.byKey[r.Prefix] = r
}

// Len returns the number of distinct prefixes.
func (rs *Rules) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.order)
}

// Get returns the rule registered for prefix.
func (rs *Rules) Get(prefix string) (Rule, bool) {
	if rs == nil {
		return Rule{}, false
	}
	r, ok := rs.byKey[prefix]
	return r, ok
}

// All returns the rules in insertion order.
func (rs *Rules) All() []Rule {
	if rs == nil {
		return nil
	}
	out := make([]Rule, 0, len(rs.order))
	for _, p := range rs.order {
		out = append(out, rs.byKey[p])
	}
	return out
}

// Match returns the first rule, in insertion order, whose prefix starts path.
func (rs *Rules) Match(path string) (Rule, bool) {
	if rs == nil {
		return Rule{}, false
	}
	for _, p := range rs.order {
		if strings.HasPrefix(path, p) {
			return rs.byKey[p], true
		}
	}
	return Rule{}, false
}

// Validate returns one warning per rule whose target is not an absolute
// http(s) or ws(s) URL. Warnings are advisory; the rules are usable as-is.
func (rs *Rules) Validate() []error {
	var warnings []error
	for _, r := range rs.All() {
		u, err := url.Parse(r.Target)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("proxy %s: invalid target %q: %w", r.Prefix, r.Target, err))
			continue
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			warnings = append(warnings, fmt.Errorf("proxy %s: target %q has unsupported scheme %q", r.Prefix, r.Target, u.Scheme))
			continue
		}
		if u.Host == "" {
			warnings = append(warnings, fmt.Errorf("proxy %s: target %q has no host", r.Prefix, r.Target))
		}
	}
	return warnings
}
