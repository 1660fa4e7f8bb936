// Package pipeline wires the stage queues to scan services. Every event
// lands in a handler that either runs a tool against the event's targets
// and ingests its records, or fans the targets out to the scan requests
// of the next stage. Emission is driven by what ingestion newly created,
// so converging flows terminate on their own.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"reconduit/internal/bus"
	"reconduit/internal/crawler"
	"reconduit/internal/ingest"
	"reconduit/internal/scope"
	"reconduit/internal/store"
	"reconduit/internal/tools"
)

// CrawlScanner is the slice of the crawler client the pipeline needs.
type CrawlScanner interface {
	Scan(ctx context.Context, target string, maxDepth int) (<-chan crawler.Result, error)
}

// Config assembles an Orchestrator. Crawler may be nil; crawl requests
// are then acknowledged with a warning instead of scanned.
type Config struct {
	Bus      *bus.Bus
	Store    *store.Store
	Runner   *tools.Runner
	Ingestor *ingest.Ingestor
	Crawler  CrawlScanner
	Logger   *zap.Logger

	// StageConcurrency caps concurrent tool runs per stage queue.
	StageConcurrency int

	// Prefetch is the number of consumer workers per queue.
	Prefetch int

	// Threshold feeds the confidence scorer.
	Threshold float64

	// CrawlDepth bounds crawler and katana runs.
	CrawlDepth int

	// Wordlist, when set, arms content fuzzing: discovered URLs also
	// fan out to ffuf.
	Wordlist string

	// RateLimit caps request rates for tools that support one.
	RateLimit int
}

type handlerFunc func(ctx context.Context, ev bus.Event) error

// Orchestrator owns the event handler table and the per-stage scan
// semaphores.
type Orchestrator struct {
	bus      *bus.Bus
	store    *store.Store
	runner   *tools.Runner
	ingestor *ingest.Ingestor
	crawler  CrawlScanner
	log      *zap.Logger
	scorer   *scope.Scorer

	sems       map[string]*semaphore.Weighted
	handlers   map[string]handlerFunc
	prefetch   int
	crawlDepth int
	wordlist   string
	rateLimit  int

	inflight sync.WaitGroup
	mu       sync.Mutex
	started  bool
	closed   bool
}

// scanTools maps scan-request events to registry tool names.
var scanTools = map[string]string{
	"subfinder_scan_requested":  "subfinder",
	"amass_scan_requested":      "amass",
	"asnmap_scan_requested":     "asnmap",
	"mapcidr_scan_requested":    "mapcidr",
	"hakip2host_scan_requested": "hakip2host",
	"smap_scan_requested":       "smap",
	"dnsx_basic_scan_requested": "dnsx",
	"dnsx_deep_scan_requested":  "dnsx-recon",
	"dnsx_ptr_scan_requested":   "dnsx-ptr",
	"httpx_scan_requested":      "httpx",
	"tlsx_scan_requested":       "tlsx",
	"naabu_scan_requested":      "naabu",
	"gau_scan_requested":        "gau",
	"katana_scan_requested":     "katana",
	"linkfinder_scan_requested": "linkfinder",
	"mantra_scan_requested":     "mantra",
	"ffuf_scan_requested":       "ffuf",
	"subjack_scan_requested":    "subjack",
}

// validationTools emit host_discovered for new hostnames instead of
// subdomain_discovered: their records are resolved, not merely named.
var validationTools = map[string]bool{
	"dnsx":       true,
	"dnsx-recon": true,
	"dnsx-ptr":   true,
	"hakip2host": true,
}

// New builds the orchestrator and its handler table.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Bus == nil || cfg.Store == nil || cfg.Runner == nil || cfg.Ingestor == nil {
		return nil, errors.New("pipeline: bus, store, runner and ingestor are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.StageConcurrency <= 0 {
		cfg.StageConcurrency = 3
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2
	}
	if cfg.CrawlDepth <= 0 {
		cfg.CrawlDepth = 3
	}

	o := &Orchestrator{
		bus:        cfg.Bus,
		store:      cfg.Store,
		runner:     cfg.Runner,
		ingestor:   cfg.Ingestor,
		crawler:    cfg.Crawler,
		log:        cfg.Logger.Named("pipeline"),
		scorer:     scope.NewScorer(cfg.Threshold),
		sems:       make(map[string]*semaphore.Weighted, 4),
		handlers:   make(map[string]handlerFunc),
		prefetch:   cfg.Prefetch,
		crawlDepth: cfg.CrawlDepth,
		wordlist:   cfg.Wordlist,
		rateLimit:  cfg.RateLimit,
	}
	for _, q := range bus.Queues() {
		o.sems[q] = semaphore.NewWeighted(int64(cfg.StageConcurrency))
	}

	for event, tool := range scanTools {
		queue, ok := bus.QueueFor(event)
		if !ok {
			return nil, fmt.Errorf("pipeline: %s is not routable", event)
		}
		o.handlers[event] = o.toolService(queue, tool)
	}
	o.handlers["crawler_scan_requested"] = o.crawlService()
	o.handlers["scan_results_batch"] = o.batchService()

	for event, edges := range o.fanouts() {
		o.handlers[event] = o.fanoutService(edges)
	}
	return o, nil
}

// fanouts is the stage graph: discovery feeds validation, validation
// feeds analysis, addresses feed enumeration. Targets move unchanged
// unless an edge declares a transform.
func (o *Orchestrator) fanouts() map[string][]edge {
	m := map[string][]edge{
		"subdomain_discovered": {
			{event: "dnsx_basic_scan_requested", list: "subdomains"},
			{event: "subjack_scan_requested", list: "subdomains"},
		},
		"asn_discovered": {
			{event: "asnmap_scan_requested", list: "targets"},
		},
		"cidr_discovered": {
			{event: "mapcidr_scan_requested", list: "targets"},
		},
		"ips_expanded": {
			{event: "hakip2host_scan_requested", list: "ips"},
			{event: "dnsx_ptr_scan_requested", list: "ips"},
			{event: "smap_scan_requested", list: "ips"},
			{event: "naabu_scan_requested", list: "ips"},
		},
		"ports_discovered": {
			{event: "httpx_scan_requested", list: "hosts"},
		},
		"host_discovered": {
			{event: "httpx_scan_requested", list: "hosts"},
			{event: "tlsx_scan_requested", list: "hosts"},
		},
		"url_discovered": {
			{event: "katana_scan_requested", list: "urls"},
			{event: "gau_scan_requested", list: "hosts", transform: hostsOf},
		},
		"js_files_discovered": {
			{event: "linkfinder_scan_requested", list: "urls", source: jsFileList},
			{event: "mantra_scan_requested", list: "urls", source: jsFileList},
		},
	}
	if o.wordlist != "" {
		m["url_discovered"] = append(m["url_discovered"],
			edge{event: "ffuf_scan_requested", list: "urls"})
	}
	return m
}

// Start binds the four stage queues. The bus owns the consumer
// goroutines; Close drains the handlers still running.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("pipeline: already started")
	}
	o.started = true
	o.mu.Unlock()

	for _, q := range bus.Queues() {
		if err := o.bus.Subscribe(q, o.dispatch(q), o.prefetch); err != nil {
			return fmt.Errorf("pipeline: subscribe %s: %w", q, err)
		}
	}
	o.log.Info("stage queues bound",
		zap.Strings("queues", bus.Queues()),
		zap.Int("prefetch", o.prefetch))
	return nil
}

// Close waits for in-flight handlers. Stop the bus first so no new
// events dispatch while the wait runs.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		o.log.Warn("closed with handlers still in flight")
	}
	return nil
}

// dispatch adapts the handler table to one queue's subscription.
func (o *Orchestrator) dispatch(queue string) bus.Handler {
	return func(ctx context.Context, ev bus.Event) error {
		h, ok := o.handlers[ev.Name]
		if !ok {
			o.log.Debug("no handler for event",
				zap.String("queue", queue), zap.String("event", ev.Name))
			return nil
		}
		o.inflight.Add(1)
		defer o.inflight.Done()

		err := h(ctx, ev)
		if err != nil {
			o.log.Warn("handler failed, event will redeliver",
				zap.String("queue", queue),
				zap.String("event", ev.Name),
				zap.String("id", ev.ID),
				zap.Error(err))
		}
		return err
	}
}
