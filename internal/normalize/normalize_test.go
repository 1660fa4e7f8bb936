package normalize

import (
	"strings"
	"testing"
)

func TestHostname(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  string
		valid bool
	}{
		{"simple", "Example.COM", "example.com", true},
		{"trailing dot", "api.example.com.", "api.example.com", true},
		{"whitespace", "  www.example.com \n", "www.example.com", true},
		{"unicode to punycode", "bücher.example", "xn--bcher-kva.example", true},
		{"single label", "localhost", "", false},
		{"numeric tld", "1.2.3.4", "", false},
		{"empty", "", "", false},
		{"only dot", ".", "", false},
		{"underscore label", "_dmarc.example.com", "", false},
		{"leading hyphen", "-bad.example.com", "", false},
		{"deep subdomain", "a.b.c.d.example.co.uk", "a.b.c.d.example.co.uk", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Hostname(tt.in)
			if ok != tt.valid {
				t.Fatalf("Hostname(%q) valid = %v, want %v", tt.in, ok, tt.valid)
			}
			if got != tt.want {
				t.Errorf("Hostname(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHostnameLabelLength(t *testing.T) {
	long := strings.Repeat("a", 63)
	if _, ok := Hostname(long + ".example.com"); !ok {
		t.Error("63-char label should be valid")
	}
	tooLong := strings.Repeat("a", 64)
	if _, ok := Hostname(tooLong + ".example.com"); ok {
		t.Error("64-char label should be invalid")
	}
}

func TestIPVersion(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{"192.168.1.1", "v4", true},
		{"2001:db8::1", "v6", true},
		{"::ffff:10.0.0.1", "v4", true},
		{"300.1.1.1", "", false},
		{"example.com", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := IPVersion(tt.in)
		if ok != tt.valid || got != tt.want {
			t.Errorf("IPVersion(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.valid)
		}
	}
}

func TestPathIDTemplating(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"numeric id", "/users/123/profile", "/users/{id}/profile"},
		{"big numeric id", "/users/98765/profile", "/users/{id}/profile"},
		{"uuid", "/orders/550e8400-e29b-41d4-a716-446655440000", "/orders/{id}"},
		{"long hex", "/sessions/deadbeefdeadbeefdeadbeef", "/sessions/{id}"},
		{"short hex stays", "/sessions/deadbeef", "/sessions/deadbeef"},
		{"base64", "/t/dGhpc2lzYXRlc3R0b2tlbg==", "/t/{id}"},
		{"urlsafe base64 stays", "/t/QUJDREVGRzEyMzQ1Njc4-_", "/t/QUJDREVGRzEyMzQ1Njc4-_"},
		{"kebab slug stays", "/docs/terms-and-conditions-page", "/docs/terms-and-conditions-page"},
		{"mixed stays", "/v2/users", "/v2/users"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Path(tt.in); got != tt.want {
				t.Errorf("Path(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPathShape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"duplicate slashes", "//a///b", "/a/b"},
		{"trailing slash", "/a/b/", "/a/b"},
		{"root stays", "/", "/"},
		{"empty becomes root", "", "/"},
		{"unrooted", "a/b", "/a/b"},
		{"query sorted names only", "/p?b=2&a=1", "/p?a&b"},
		{"duplicate params", "/p?a=1&a=2&b", "/p?a&b"},
		{"empty query dropped", "/p?", "/p"},
		{"fragment dropped", "/p?a=1#frag", "/p?a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Path(tt.in); got != tt.want {
				t.Errorf("Path(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPathIdempotent(t *testing.T) {
	inputs := []string{
		"/users/123/profile",
		"//a///b/",
		"/p?b=2&a=1",
		"/orders/550e8400-e29b-41d4-a716-446655440000/items/42",
		"/",
	}
	for _, in := range inputs {
		once := Path(in)
		twice := Path(once)
		if once != twice {
			t.Errorf("Path not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  string
		valid bool
	}{
		{"default port stripped", "HTTP://Example.com:80/a", "http://example.com/a", true},
		{"https default port", "https://example.com:443/", "https://example.com/", true},
		{"custom port kept", "https://example.com:8443/x", "https://example.com:8443/x", true},
		{"query sorted values kept", "https://e.example/p?b=2&a=1", "https://e.example/p?a=1&b=2", true},
		{"fragment dropped", "https://e.example/p#top", "https://e.example/p", true},
		{"ip host", "http://10.0.0.5/admin", "http://10.0.0.5/admin", true},
		{"ftp rejected", "ftp://example.com/x", "", false},
		{"garbage", "::::", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := URL(tt.in)
			if ok != tt.valid {
				t.Fatalf("URL(%q) valid = %v, want %v", tt.in, ok, tt.valid)
			}
			if got != tt.want {
				t.Errorf("URL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDedup(t *testing.T) {
	in := []string{"a.example.com", "b.example.com", "A.example.com", "a.example.com"}
	got := Dedup(in, func(s string) string { return strings.ToLower(s) })
	want := []string{"a.example.com", "b.example.com"}
	if len(got) != len(want) {
		t.Fatalf("Dedup returned %d items, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Dedup[%d] = %q, want %q (first occurrence must win)", i, got[i], want[i])
		}
	}
}

func TestHashBody(t *testing.T) {
	a := HashBody([]byte("hello"))
	b := HashBody([]byte("hello"))
	c := HashBody([]byte("world"))
	if a != b {
		t.Error("identical bodies must hash identically")
	}
	if a == c {
		t.Error("different bodies must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
