package stats

import (
	"fmt"
	"strings"
)

// RuleKind is how a matcher rule compares a package name to its pattern.
type RuleKind string

const (
	RuleExact  RuleKind = "exact"
	RulePrefix RuleKind = "prefix"
	RuleSuffix RuleKind = "suffix"
)

// Rule maps package names to a library id. Rules are evaluated in order;
// the first match wins, which keeps the name heuristics auditable rule by
// rule.
type Rule struct {
	Kind    RuleKind
	Pattern string
	Library string
}

// Matches reports whether the rule applies to a package name.
func (r Rule) Matches(name string) bool {
	switch r.Kind {
	case RuleExact:
		return name == r.Pattern
	case RulePrefix:
		return strings.HasPrefix(name, r.Pattern)
	case RuleSuffix:
		return strings.HasSuffix(name, r.Pattern)
	default:
		return false
	}
}

// Matcher assigns packages to libraries by name.
type Matcher struct {
	rules []Rule
}

// NewMatcher creates a matcher from an ordered rule list.
func NewMatcher(rules []Rule) *Matcher {
	return &Matcher{rules: rules}
}

// Library returns the library id for a package name. Unmatched packages
// stay ungrouped but are still tracked at the org level.
func (m *Matcher) Library(name string) (string, bool) {
	for _, r := range m.rules {
		if r.Matches(name) {
			return r.Library, true
		}
	}
	return "", false
}

// ParseRules parses a rule list from its configuration form:
// "kind:pattern=library" entries separated by semicolons, for example
// "exact:@acme/core=core;prefix:@acme/ui-=ui".
func ParseRules(spec string) ([]Rule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var rules []Rule
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		kindPattern, library, ok := strings.Cut(entry, "=")
		if !ok || library == "" {
			return nil, fmt.Errorf("invalid matcher rule %q: missing library", entry)
		}
		kind, pattern, ok := strings.Cut(kindPattern, ":")
		if !ok || pattern == "" {
			return nil, fmt.Errorf("invalid matcher rule %q: missing pattern", entry)
		}

		switch RuleKind(kind) {
		case RuleExact, RulePrefix, RuleSuffix:
		default:
			return nil, fmt.Errorf("invalid matcher rule %q: unknown kind %q", entry, kind)
		}

		rules = append(rules, Rule{Kind: RuleKind(kind), Pattern: pattern, Library: library})
	}
	return rules, nil
}
