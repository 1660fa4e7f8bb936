package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	"reconduit/internal/bus"
	"reconduit/internal/crawler"
	"reconduit/internal/ingest"
	"reconduit/internal/proc"
	"reconduit/internal/store"
	"reconduit/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests exec /bin/sh")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeTool builds an sh-backed stdin-mode spec so pipeline tests need
// no real scanners installed and fan-out events may carry any number of
// targets. Lines on stdout parse as subdomain records.
func fakeTool(name, script string) *tools.Spec {
	return &tools.Spec{
		Name:     name,
		Binary:   "sh",
		Category: tools.CategorySubdomains,
		Args: func(target string, opts tools.RunOpts) []string {
			return []string{"-c", script}
		},
		Parse: func(line string) ([]tools.Record, error) {
			line = strings.TrimSpace(line)
			if line == "" {
				return nil, nil
			}
			return []tools.Record{tools.Subdomain{Hostname: line, Source: name}}, nil
		},
	}
}

// silent is a spec that runs successfully and reports nothing, ending
// a cascade at its stage.
func silent(name string) *tools.Spec {
	return fakeTool(name, "cat >/dev/null")
}

type fakeCrawl struct {
	mu      sync.Mutex
	targets []string
	depths  []int
	results []crawler.Result
}

func (f *fakeCrawl) Scan(ctx context.Context, target string, maxDepth int) (<-chan crawler.Result, error) {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.depths = append(f.depths, maxDepth)
	f.mu.Unlock()

	out := make(chan crawler.Result, len(f.results)+1)
	for _, r := range f.results {
		out <- r
	}
	close(out)
	return out, nil
}

func (f *fakeCrawl) seen() ([]string, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targets...), append([]int(nil), f.depths...)
}

type harness struct {
	bus   *bus.Bus
	store *store.Store
	orch  *Orchestrator
}

func newHarness(t *testing.T, crawl CrawlScanner, specs ...*tools.Spec) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b, err := bus.New(bus.Config{Redis: rdb, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}

	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "assets.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := tools.NewRegistry()
	for _, spec := range specs {
		reg.MustRegister(spec)
	}
	runner := tools.NewRunner(tools.RunnerConfig{
		Registry: reg,
		Supervisor: proc.NewSupervisor(proc.Config{
			DefaultTimeout: 30 * time.Second,
			KillGrace:      time.Second,
		}),
	})

	o, err := New(Config{
		Bus:      b,
		Store:    st,
		Runner:   runner,
		Ingestor: ingest.New(ingest.Config{Store: st}),
		Crawler:  crawl,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(func() {
		b.Close()
		o.Close()
	})
	return &harness{bus: b, store: st, orch: o}
}

func (h *harness) drained() bool {
	ctx := context.Background()
	for _, q := range bus.Queues() {
		pending, unacked, err := h.bus.Depth(ctx, q)
		if err != nil || pending != 0 || unacked != 0 {
			return false
		}
	}
	return true
}

// executions maps tool name to terminal status, failing on duplicates
// so tests notice accidental double-dispatch.
func (h *harness) executions(t *testing.T) map[string]string {
	t.Helper()
	rows, err := h.store.Repos().ScannerExecutions().FindMany(
		context.Background(), store.Filters{}, store.FindOpts{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	m := make(map[string]string, len(rows))
	for _, r := range rows {
		if prev, dup := m[r.Tool]; dup {
			t.Fatalf("tool %s ran twice (%s, %s)", r.Tool, prev, r.Status)
		}
		m[r.Tool] = r.Status
	}
	return m
}

func seedProgram(t *testing.T, st *store.Store, rules ...[3]string) *store.Program {
	t.Helper()
	ctx := context.Background()
	p := store.NewProgram("acme", "hackerone")
	if err := st.Repos().Programs().Create(ctx, p); err != nil {
		t.Fatalf("create program: %v", err)
	}
	for _, r := range rules {
		rule := store.NewScopeRule(p.ID, r[0], r[1], r[2])
		if err := st.Repos().ScopeRules().Create(ctx, rule); err != nil {
			t.Fatalf("create scope rule: %v", err)
		}
	}
	return p
}

// seedResolvedHost gives a program a hostname with a linked address, the
// precondition for URL ingestion.
func seedResolvedHost(t *testing.T, st *store.Store, programID, hostname, address string) {
	t.Helper()
	ctx := context.Background()
	repos := st.Repos()
	h, _, err := repos.Hosts().GetOrCreateByName(ctx, programID, hostname)
	if err != nil {
		t.Fatalf("seed host: %v", err)
	}
	ip, _, err := repos.IPAddresses().GetOrCreateByAddress(ctx, programID, address)
	if err != nil {
		t.Fatalf("seed address: %v", err)
	}
	if _, err := repos.HostIPs().Link(ctx, h.ID, ip.ID, store.IPSourceDNS); err != nil {
		t.Fatalf("seed link: %v", err)
	}
}

func TestDiscoveryCascade(t *testing.T) {
	skipWithoutShell(t)
	h := newHarness(t, nil,
		fakeTool("subfinder", `printf 'api.example.com\nwww.example.com\n'`),
		silent("dnsx"),
		silent("subjack"),
	)
	p := seedProgram(t, h.store, [3]string{"wildcard", "*.example.com", "include"})
	ctx := context.Background()

	err := h.bus.Publish(ctx, bus.Event{
		Name:      "subfinder_scan_requested",
		ProgramID: p.ID,
		Target:    "example.com",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	// subfinder discovers two hosts, the fan-out schedules resolution
	// and takeover checks for them, and the silent tools end the chain.
	waitFor(t, "cascade to finish", func() bool {
		return h.drained() && len(h.executions(t)) == 3
	})

	want := map[string]string{
		"subfinder": store.ExecCompleted,
		"dnsx":      store.ExecCompleted,
		"subjack":   store.ExecCompleted,
	}
	got := h.executions(t)
	for tool, status := range want {
		if got[tool] != status {
			t.Errorf("execution %s = %q, want %q", tool, got[tool], status)
		}
	}

	for _, hostname := range []string{"api.example.com", "www.example.com"} {
		host, err := h.store.Repos().Hosts().GetBy(ctx, store.Filters{
			"program_id": p.ID, "hostname": hostname,
		})
		if err != nil {
			t.Fatalf("host %s: %v", hostname, err)
		}
		if !host.InScope {
			t.Errorf("host %s stored out of scope", hostname)
		}
	}

	exec, err := h.store.Repos().ScannerExecutions().GetBy(ctx, store.Filters{"tool": "subfinder"})
	if err != nil {
		t.Fatalf("subfinder execution: %v", err)
	}
	if exec.Target != "example.com" {
		t.Errorf("subfinder target = %q, want example.com", exec.Target)
	}
	if exec.ProgramID != p.ID {
		t.Errorf("subfinder program = %q, want %q", exec.ProgramID, p.ID)
	}
}

func TestOutOfScopeDiscoveryStaysLocal(t *testing.T) {
	skipWithoutShell(t)
	h := newHarness(t, nil,
		fakeTool("subfinder", `printf 'tracker.adnet.io\n'`),
	)
	p := seedProgram(t, h.store, [3]string{"wildcard", "*.example.com", "include"})
	ctx := context.Background()

	err := h.bus.Publish(ctx, bus.Event{
		Name:      "subfinder_scan_requested",
		ProgramID: p.ID,
		Target:    "example.com",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "scan to finish", func() bool {
		return h.drained() && h.executions(t)["subfinder"] == store.ExecCompleted
	})

	// The sighting is kept but flagged, and nothing fans out from it.
	host, err := h.store.Repos().Hosts().GetBy(ctx, store.Filters{
		"program_id": p.ID, "hostname": "tracker.adnet.io",
	})
	if err != nil {
		t.Fatalf("host row: %v", err)
	}
	if host.InScope {
		t.Error("out-of-scope host stored as in scope")
	}
	if got := h.executions(t); len(got) != 1 {
		t.Errorf("executions = %v, want subfinder only", got)
	}
}

func TestUnknownProgramIsDropped(t *testing.T) {
	skipWithoutShell(t)
	h := newHarness(t, nil, fakeTool("subfinder", "true"))
	ctx := context.Background()

	err := h.bus.Publish(ctx, bus.Event{
		Name:      "subfinder_scan_requested",
		ProgramID: "no-such-program",
		Target:    "example.com",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "event to be dropped", h.drained)

	if got := h.executions(t); len(got) != 0 {
		t.Errorf("executions = %v, want none", got)
	}
}

func TestFailingToolRecordsFailure(t *testing.T) {
	skipWithoutShell(t)
	h := newHarness(t, nil,
		fakeTool("subfinder", `echo boom >&2; exit 3`),
	)
	p := seedProgram(t, h.store, [3]string{"wildcard", "*.example.com", "include"})
	ctx := context.Background()

	err := h.bus.Publish(ctx, bus.Event{
		Name:      "subfinder_scan_requested",
		ProgramID: p.ID,
		Target:    "example.com",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "failure to be recorded", func() bool {
		return h.drained() && h.executions(t)["subfinder"] == store.ExecFailed
	})

	exec, err := h.store.Repos().ScannerExecutions().GetBy(ctx, store.Filters{"tool": "subfinder"})
	if err != nil {
		t.Fatalf("execution: %v", err)
	}
	if !strings.Contains(exec.Error, "exit 3") || !strings.Contains(exec.Error, "boom") {
		t.Errorf("error = %q, want exit code and stderr tail", exec.Error)
	}
}

func TestCrawlIngestsAndFansOutScripts(t *testing.T) {
	skipWithoutShell(t)
	crawl := &fakeCrawl{results: []crawler.Result{
		{
			Request:  &crawler.Request{Method: "GET", Endpoint: "https://app.example.com/dashboard?tab=overview"},
			Response: &crawler.Response{StatusCode: 200, Headers: map[string]string{"content-type": "text/html"}},
		},
		{
			Request:  &crawler.Request{Method: "GET", Endpoint: "https://app.example.com/static/app.js"},
			Response: &crawler.Response{StatusCode: 200, Headers: map[string]string{"content-type": "application/javascript"}},
		},
		{Error: &crawler.WireError{Message: "frame detached"}},
	}}
	h := newHarness(t, crawl,
		silent("linkfinder"),
		silent("mantra"),
	)
	p := seedProgram(t, h.store, [3]string{"wildcard", "*.example.com", "include"})
	seedResolvedHost(t, h.store, p.ID, "app.example.com", "203.0.113.10")
	ctx := context.Background()

	err := h.bus.Publish(ctx, bus.Event{
		Name:      "crawler_scan_requested",
		ProgramID: p.ID,
		Target:    "https://app.example.com",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The crawl ingests two endpoints and the script URL fans out to
	// both JS analysis tools.
	waitFor(t, "crawl cascade to finish", func() bool {
		return h.drained() && len(h.executions(t)) == 3
	})

	want := map[string]string{
		"crawler":    store.ExecCompleted,
		"linkfinder": store.ExecCompleted,
		"mantra":     store.ExecCompleted,
	}
	got := h.executions(t)
	for tool, status := range want {
		if got[tool] != status {
			t.Errorf("execution %s = %q, want %q", tool, got[tool], status)
		}
	}

	targets, depths := crawl.seen()
	if len(targets) != 1 || targets[0] != "https://app.example.com" {
		t.Errorf("crawled targets = %v", targets)
	}
	if len(depths) != 1 || depths[0] != 3 {
		t.Errorf("crawl depths = %v, want default 3", depths)
	}

	repos := h.store.Repos()
	if n, err := repos.Endpoints().Count(ctx, store.Filters{}); err != nil || n != 2 {
		t.Errorf("endpoints = %d, %v, want 2", n, err)
	}
	if n, err := repos.InputParameters().Count(ctx, store.Filters{"name": "tab"}); err != nil || n != 1 {
		t.Errorf("tab parameter rows = %d, %v, want 1", n, err)
	}
	if n, err := repos.Services().Count(ctx, store.Filters{"port": 443}); err != nil || n != 1 {
		t.Errorf("https services = %d, %v, want 1", n, err)
	}
}

func TestResultsBatchIngestsWithoutExecution(t *testing.T) {
	h := newHarness(t, nil)
	p := seedProgram(t, h.store, [3]string{"wildcard", "*.example.com", "include"})
	seedResolvedHost(t, h.store, p.ID, "api.example.com", "203.0.113.20")
	ctx := context.Background()

	raw, err := json.Marshal([]crawler.Result{{
		Request:  &crawler.Request{Method: "POST", Endpoint: "https://api.example.com/v1/users?id=7"},
		Response: &crawler.Response{StatusCode: 201, Headers: map[string]string{"content-type": "application/json"}},
	}})
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}

	err = h.bus.Publish(ctx, bus.Event{
		Name:      "scan_results_batch",
		ProgramID: p.ID,
		Source:    "burp-export",
		Payload:   &bus.Payload{Result: raw},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	endpoints := h.store.Repos().Endpoints()
	waitFor(t, "batch to land", func() bool {
		n, err := endpoints.Count(ctx, store.Filters{"method": "POST"})
		return err == nil && n == 1 && h.drained()
	})

	ep, err := endpoints.GetBy(ctx, store.Filters{"method": "POST"})
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if ep.StatusCode != 201 || ep.ContentType != "application/json" {
		t.Errorf("endpoint probe = %d %q", ep.StatusCode, ep.ContentType)
	}
	if got := h.executions(t); len(got) != 0 {
		t.Errorf("executions = %v, batches should not create any", got)
	}
}

func TestMalformedBatchIsAcked(t *testing.T) {
	h := newHarness(t, nil)
	p := seedProgram(t, h.store)
	ctx := context.Background()

	err := h.bus.Publish(ctx, bus.Event{
		Name:      "scan_results_batch",
		ProgramID: p.ID,
		Payload:   &bus.Payload{Result: json.RawMessage(`{"request": 12}`)},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "batch to be dropped", h.drained)
}

func TestCrawlWithoutCrawlerIsAcked(t *testing.T) {
	h := newHarness(t, nil)
	p := seedProgram(t, h.store)
	ctx := context.Background()

	err := h.bus.Publish(ctx, bus.Event{
		Name:      "crawler_scan_requested",
		ProgramID: p.ID,
		Target:    "https://app.example.com",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "crawl request to be dropped", h.drained)
	if got := h.executions(t); len(got) != 0 {
		t.Errorf("executions = %v, want none", got)
	}
}
