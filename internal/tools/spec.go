// Package tools wraps external reconnaissance binaries behind a uniform
// adapter interface. Each Spec names a binary, builds its argument list
// and parses its stdout line by line into typed Records. A malformed
// line is counted and skipped, never fatal: recon tools get interrupted,
// truncated and updated all the time, and one garbled line must not cost
// the rest of a run.
package tools

import (
	"fmt"
	"time"
)

// Category classifies tools by pipeline stage concern.
type Category string

const (
	// CategorySubdomains covers passive and active name enumeration.
	CategorySubdomains Category = "subdomains"

	// CategoryDNS covers resolution and record collection.
	CategoryDNS Category = "dns"

	// CategoryHTTP covers web probing and technology detection.
	CategoryHTTP Category = "http"

	// CategoryPorts covers port and service discovery.
	CategoryPorts Category = "ports"

	// CategoryContent covers URL discovery: crawling, archives, fuzzing,
	// JavaScript mining.
	CategoryContent Category = "content"

	// CategoryNet covers address-space mapping: ASN, CIDR, reverse
	// lookups, certificates.
	CategoryNet Category = "net"

	// CategoryVuln covers takeover checks and secret hunting.
	CategoryVuln Category = "vuln"
)

// ParseFunc turns one stdout line into records. A nil, nil return means
// the line carried nothing of interest (banners, summaries); an error
// means the line was malformed and gets counted as a parse skip.
type ParseFunc func(line string) ([]Record, error)

// RunOpts carries per-run knobs a stage can set.
type RunOpts struct {
	// Wordlist is the path handed to fuzzing tools.
	Wordlist string

	// Depth bounds crawling tools. 0 means the tool default.
	Depth int

	// RateLimit caps requests per second for tools that support it.
	// 0 means unlimited.
	RateLimit int

	// TargetsFile is filled in by the runner for tools that read their
	// targets from a file instead of stdin or argv.
	TargetsFile string
}

// Spec describes one external tool adapter.
type Spec struct {
	// Name is the registry key and the label used in logs and metrics.
	Name string

	// Binary is the executable name resolved against the path table,
	// then PATH.
	Binary string

	Category Category

	// Priority orders tools within a category, highest first.
	Priority int

	// Timeout overrides the configured default when positive.
	Timeout time.Duration

	// SingleTarget runs the tool once per target with the target in
	// argv. Otherwise all targets are written to stdin in one run,
	// unless WantsFile is set.
	SingleTarget bool

	// WantsFile writes targets to a temp file and passes its path via
	// RunOpts.TargetsFile, for tools that only read target lists from
	// disk.
	WantsFile bool

	// Args builds the argument list. target is empty unless
	// SingleTarget is set.
	Args func(target string, opts RunOpts) []string

	Parse ParseFunc
}

// Validate checks a spec for registration.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return ErrSpecNameEmpty
	}
	if s.Binary == "" {
		return fmt.Errorf("%w: %s", ErrSpecBinaryEmpty, s.Name)
	}
	if s.Parse == nil {
		return fmt.Errorf("%w: %s", ErrSpecParseNil, s.Name)
	}
	return nil
}
