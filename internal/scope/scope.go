// Package scope decides whether discovered assets belong to a program.
// Rules compile once into an immutable Snapshot that a whole scan run
// shares; evaluation is exclude-first.
package scope

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"reconduit/internal/normalize"
)

// RuleKind selects the matching strategy for a rule pattern.
type RuleKind string

const (
	KindDomain   RuleKind = "domain"
	KindWildcard RuleKind = "wildcard"
	KindRegex    RuleKind = "regex"
	KindCIDR     RuleKind = "cidr"
)

// Action marks a rule as including or excluding its matches.
type Action string

const (
	ActionInclude Action = "include"
	ActionExclude Action = "exclude"
)

// Rule is one scope entry as stored on a program.
type Rule struct {
	Kind    RuleKind
	Pattern string
	Action  Action
}

type compiledRule struct {
	kind   RuleKind
	exact  string
	re     *regexp.Regexp
	prefix netip.Prefix
}

// Snapshot is a compiled, immutable rule set for one scan run.
type Snapshot struct {
	include []compiledRule
	exclude []compiledRule
}

// Compile builds a Snapshot. A malformed pattern fails the whole set so a
// program's scope is never silently narrowed.
func Compile(rules []Rule) (*Snapshot, error) {
	snap := &Snapshot{}
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		switch r.Action {
		case ActionInclude:
			snap.include = append(snap.include, cr)
		case ActionExclude:
			snap.exclude = append(snap.exclude, cr)
		default:
			return nil, fmt.Errorf("scope rule %q: unknown action %q", r.Pattern, r.Action)
		}
	}
	return snap, nil
}

func compileRule(r Rule) (compiledRule, error) {
	switch r.Kind {
	case KindDomain:
		host := strings.ToLower(strings.TrimSpace(r.Pattern))
		host = strings.TrimSuffix(host, ".")
		if host == "" {
			return compiledRule{}, fmt.Errorf("scope rule: empty domain pattern")
		}
		return compiledRule{kind: KindDomain, exact: host}, nil

	case KindWildcard:
		re, err := regexp.Compile("^" + globToRegexp(strings.ToLower(strings.TrimSpace(r.Pattern))) + "$")
		if err != nil {
			return compiledRule{}, fmt.Errorf("scope rule %q: %w", r.Pattern, err)
		}
		return compiledRule{kind: KindWildcard, re: re}, nil

	case KindRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return compiledRule{}, fmt.Errorf("scope rule %q: %w", r.Pattern, err)
		}
		return compiledRule{kind: KindRegex, re: re}, nil

	case KindCIDR:
		prefix, err := netip.ParsePrefix(strings.TrimSpace(r.Pattern))
		if err != nil {
			return compiledRule{}, fmt.Errorf("scope rule %q: %w", r.Pattern, err)
		}
		return compiledRule{kind: KindCIDR, prefix: prefix}, nil

	default:
		return compiledRule{}, fmt.Errorf("scope rule %q: unknown kind %q", r.Pattern, r.Kind)
	}
}

// globToRegexp escapes everything except '*', which becomes '.*'.
func globToRegexp(glob string) string {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, ".*")
}

// Contains reports whether a target (hostname or IP literal) is in scope.
//
// Evaluation order: with no rules at all everything is in scope; any
// exclude match wins immediately; with no include rules the target is in;
// otherwise at least one include rule must match.
func (s *Snapshot) Contains(target string) bool {
	if s == nil || (len(s.include) == 0 && len(s.exclude) == 0) {
		return true
	}

	host, addr := splitTarget(target)

	for _, r := range s.exclude {
		if r.matches(host, addr) {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, r := range s.include {
		if r.matches(host, addr) {
			return true
		}
	}
	return false
}

// HasDomainRuleFor reports whether an include rule of kind domain matches
// the target exactly. Such a match pins scope membership regardless of the
// confidence score.
func (s *Snapshot) HasDomainRuleFor(target string) bool {
	if s == nil {
		return false
	}
	host, addr := splitTarget(target)
	for _, r := range s.include {
		if r.kind == KindDomain && r.matches(host, addr) {
			return true
		}
	}
	return false
}

func splitTarget(target string) (host string, addr netip.Addr) {
	host = strings.ToLower(strings.TrimSpace(target))
	host = strings.TrimSuffix(host, ".")
	if h, ok := normalize.Hostname(host); ok {
		host = h
	}
	if a, err := netip.ParseAddr(host); err == nil {
		addr = a
	}
	return host, addr
}

func (r compiledRule) matches(host string, addr netip.Addr) bool {
	switch r.kind {
	case KindDomain:
		return host == r.exact
	case KindWildcard:
		return r.re.MatchString(host)
	case KindRegex:
		// Unanchored substring search.
		return r.re.MatchString(host)
	case KindCIDR:
		// Non-IP targets never match CIDR rules.
		return addr.IsValid() && r.prefix.Contains(addr.Unmap())
	}
	return false
}
