package scope

import (
	"math"
	"testing"
)

func mustCompile(t *testing.T, rules []Rule) *Snapshot {
	t.Helper()
	snap, err := Compile(rules)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return snap
}

func TestExcludeWinsOverWildcardInclude(t *testing.T) {
	snap := mustCompile(t, []Rule{
		{Kind: KindWildcard, Pattern: "*.example.com", Action: ActionInclude},
		{Kind: KindDomain, Pattern: "admin.example.com", Action: ActionExclude},
	})

	if snap.Contains("admin.example.com") {
		t.Error("admin.example.com must be excluded even though the wildcard includes it")
	}
	if !snap.Contains("api.example.com") {
		t.Error("api.example.com should be in scope via the wildcard")
	}
}

func TestEmptyRuleSetIncludesEverything(t *testing.T) {
	snap := mustCompile(t, nil)
	for _, target := range []string{"anything.example.com", "10.0.0.1", "x.y.z.io"} {
		if !snap.Contains(target) {
			t.Errorf("empty rule set should include %q", target)
		}
	}
}

func TestExcludeOnlyRuleSet(t *testing.T) {
	snap := mustCompile(t, []Rule{
		{Kind: KindDomain, Pattern: "internal.example.com", Action: ActionExclude},
	})
	if snap.Contains("internal.example.com") {
		t.Error("excluded target must be out of scope")
	}
	if !snap.Contains("public.example.com") {
		t.Error("with no include rules, non-excluded targets are in scope")
	}
}

func TestIncludeRequiresMatch(t *testing.T) {
	snap := mustCompile(t, []Rule{
		{Kind: KindDomain, Pattern: "example.com", Action: ActionInclude},
	})
	if !snap.Contains("example.com") {
		t.Error("exact domain rule should match")
	}
	if snap.Contains("other.com") {
		t.Error("unmatched target must be out of scope when include rules exist")
	}
	if snap.Contains("sub.example.com") {
		t.Error("domain rules are exact, not suffix matches")
	}
}

func TestWildcardMatching(t *testing.T) {
	snap := mustCompile(t, []Rule{
		{Kind: KindWildcard, Pattern: "*.example.com", Action: ActionInclude},
	})

	tests := []struct {
		target string
		want   bool
	}{
		{"a.example.com", true},
		{"a.b.example.com", true},
		{"example.com", false},    // needs a label before the dot
		{"aexample.com", false},   // dot is literal
		{"a.example.com.co", false},
	}
	for _, tt := range tests {
		if got := snap.Contains(tt.target); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestRegexIsUnanchored(t *testing.T) {
	snap := mustCompile(t, []Rule{
		{Kind: KindRegex, Pattern: `staging`, Action: ActionInclude},
	})
	if !snap.Contains("app-staging.example.com") {
		t.Error("regex rules are unanchored substring searches")
	}
	if snap.Contains("app-prod.example.com") {
		t.Error("regex rule should not match absent substring")
	}
}

func TestCIDRMatching(t *testing.T) {
	snap := mustCompile(t, []Rule{
		{Kind: KindCIDR, Pattern: "10.20.0.0/16", Action: ActionInclude},
	})

	if !snap.Contains("10.20.5.9") {
		t.Error("address inside the prefix should match")
	}
	if snap.Contains("10.21.0.1") {
		t.Error("address outside the prefix should not match")
	}
	if snap.Contains("host.example.com") {
		t.Error("non-IP targets never match CIDR rules")
	}
}

func TestCIDRv6(t *testing.T) {
	snap := mustCompile(t, []Rule{
		{Kind: KindCIDR, Pattern: "2001:db8::/32", Action: ActionInclude},
	})
	if !snap.Contains("2001:db8::beef") {
		t.Error("v6 address inside prefix should match")
	}
	if snap.Contains("2001:dead::1") {
		t.Error("v6 address outside prefix should not match")
	}
}

func TestCompileRejectsMalformedRules(t *testing.T) {
	cases := []Rule{
		{Kind: KindRegex, Pattern: `(unclosed`, Action: ActionInclude},
		{Kind: KindCIDR, Pattern: "not-a-cidr", Action: ActionInclude},
		{Kind: "unknown", Pattern: "x", Action: ActionInclude},
		{Kind: KindDomain, Pattern: "x.example.com", Action: "drop"},
	}
	for _, r := range cases {
		if _, err := Compile([]Rule{r}); err == nil {
			t.Errorf("Compile should reject %+v", r)
		}
	}
}

func TestTargetNormalizationBeforeMatch(t *testing.T) {
	snap := mustCompile(t, []Rule{
		{Kind: KindDomain, Pattern: "API.Example.com", Action: ActionInclude},
	})
	if !snap.Contains("api.example.com.") {
		t.Error("rule and target should both normalize before comparison")
	}
}

func TestHasDomainRuleFor(t *testing.T) {
	snap := mustCompile(t, []Rule{
		{Kind: KindDomain, Pattern: "example.com", Action: ActionInclude},
		{Kind: KindWildcard, Pattern: "*.example.com", Action: ActionInclude},
	})
	if !snap.HasDomainRuleFor("example.com") {
		t.Error("expected domain-rule match for example.com")
	}
	if snap.HasDomainRuleFor("sub.example.com") {
		t.Error("wildcard matches must not count as domain-rule matches")
	}
}

func TestScorerWeights(t *testing.T) {
	s := NewScorer(0)

	tests := []struct {
		name    string
		signals []Signal
		want    float64
		inScope bool
	}{
		{"none", nil, 0, false},
		{"ptr only", []Signal{SignalPTRRecord}, 0.5, false},
		{"san plus cname", []Signal{SignalSANCert, SignalCNAMEChain}, 0.9, true},
		{"capped at one", []Signal{SignalDomainRule, SignalSANCert, SignalPTRRecord}, 1.0, true},
		{"cdn only", []Signal{SignalCDN}, 0.2, false},
		{"duplicates ignored", []Signal{SignalPTRRecord, SignalPTRRecord}, 0.5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.signals...)
			if math.Abs(got.Confidence-tt.want) > 1e-9 {
				t.Errorf("confidence = %v, want %v", got.Confidence, tt.want)
			}
			if got.InScope != tt.inScope {
				t.Errorf("inScope = %v, want %v", got.InScope, tt.inScope)
			}
		})
	}
}

func TestDomainRulePinsInScope(t *testing.T) {
	// Threshold above the capped score: only the domain-rule pin can pass.
	s := NewScorer(0.99)
	got := s.Score(SignalDomainRule)
	if !got.InScope {
		t.Error("domain-rule signal must force InScope")
	}

	other := s.Score(SignalSANCert, SignalPTRRecord, SignalCNAMEChain) // 1.4 -> capped 1.0 >= 0.99
	if !other.InScope {
		t.Error("capped score above threshold should be in scope")
	}

	weak := s.Score(SignalSANCert) // 0.6 < 0.99
	if weak.InScope {
		t.Error("weak evidence below threshold should be uncertain")
	}
}
