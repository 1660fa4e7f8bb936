package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"reconduit/internal/bus"
	"reconduit/internal/crawler"
	"reconduit/internal/ingest"
	"reconduit/internal/normalize"
	"reconduit/internal/proc"
	"reconduit/internal/scope"
	"reconduit/internal/store"
	"reconduit/internal/tools"
)

// errBadScope marks a program whose scope rules do not compile. The
// event is acknowledged; redelivery cannot fix a bad rule set.
var errBadScope = errors.New("pipeline: unusable program scope")

// edge is one fan-out arrow in the stage graph.
type edge struct {
	// event is the downstream event name.
	event string

	// list picks the payload field the targets land in.
	list string

	// source overrides the generic target extraction.
	source func(ev bus.Event) []string

	// transform rewrites the targets, e.g. URLs to their hosts.
	transform func(items []string) []string
}

// toolService builds the handler for one scan-request event: run the
// tool against the event's targets, ingest its records, emit what the
// ingestion newly created.
func (o *Orchestrator) toolService(queue, tool string) handlerFunc {
	return func(ctx context.Context, ev bus.Event) error {
		return o.runScan(ctx, queue, tool, ev)
	}
}

func (o *Orchestrator) runScan(ctx context.Context, queue, tool string, ev bus.Event) error {
	targets := targetsOf(ev)
	if len(targets) == 0 {
		o.log.Debug("scan request carries no targets",
			zap.String("event", ev.Name), zap.String("id", ev.ID))
		return nil
	}

	prog, snap, err := o.programScope(ctx, ev.ProgramID)
	if err != nil {
		if permanent(err) {
			o.log.Warn("dropping scan request",
				zap.String("event", ev.Name),
				zap.String("program_id", ev.ProgramID),
				zap.Error(err))
			return nil
		}
		return err
	}

	execs := o.store.Repos().ScannerExecutions()
	exec := store.NewScannerExecution(prog.ID, tool, targetLabel(targets))
	if err := execs.Create(ctx, exec); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}

	if err := o.sems[queue].Acquire(ctx, 1); err != nil {
		o.finish(exec.ID, store.ExecCancelled, err.Error())
		return err
	}
	defer o.sems[queue].Release(1)

	if err := execs.MarkRunning(ctx, exec.ID); err != nil {
		o.log.Warn("execution status write failed", zap.String("id", exec.ID), zap.Error(err))
	}

	var wild wildcardSet
	if resolverTools[tool] {
		wild = o.probeWildcards(ctx, tool, targets)
	}

	run, err := o.runner.Run(ctx, tool, targets, o.runOpts())
	if err != nil {
		// Registry misuse, not a transient fault: ack so the event
		// does not loop.
		o.finish(exec.ID, store.ExecFailed, err.Error())
		o.log.Error("run refused",
			zap.String("tool", tool), zap.Error(err))
		return nil
	}

	records, jsFiles := teeJS(run.Records())
	if len(wild) > 0 {
		records = flagWildcards(records, wild)
	}
	res, ingErr := o.ingestor.Ingest(ctx, prog, snap, o.scorer, records)
	if ingErr != nil {
		run.Close()
	}
	for range records {
	}
	report := run.Wait()

	status, msg := executionOutcome(report, ingErr)
	o.finish(exec.ID, status, msg)

	if ingErr != nil {
		return fmt.Errorf("ingest %s output: %w", tool, ingErr)
	}
	if report.Status.State == proc.StateCanceled {
		return context.Canceled
	}
	if report.Failed() {
		o.log.Warn("scan failed",
			zap.String("tool", tool),
			zap.String("state", report.Status.State.String()),
			zap.String("stderr", report.Status.StderrTail),
			zap.Int("parsed", report.Parsed))
		return nil
	}

	o.log.Info("scan completed",
		zap.String("tool", tool),
		zap.String("program", prog.Name),
		zap.Int("targets", len(targets)),
		zap.Int("parsed", report.Parsed),
		zap.Int("skipped", report.Skipped),
		zap.Int("created", res.CreatedTotal()),
		zap.Int("failed_batches", res.FailedBatches),
		zap.Duration("took", report.Duration))

	o.emitResults(ctx, ev, tool, snap, res, jsFiles())
	return nil
}

// crawlService hands crawl requests to the browser daemon and ingests
// the streamed request/response pairs.
func (o *Orchestrator) crawlService() handlerFunc {
	return func(ctx context.Context, ev bus.Event) error {
		if o.crawler == nil {
			o.log.Warn("crawl requested but no crawler is configured",
				zap.String("id", ev.ID))
			return nil
		}
		targets := targetsOf(ev)
		if len(targets) == 0 {
			return nil
		}
		prog, snap, err := o.programScope(ctx, ev.ProgramID)
		if err != nil {
			if permanent(err) {
				o.log.Warn("dropping crawl request",
					zap.String("program_id", ev.ProgramID), zap.Error(err))
				return nil
			}
			return err
		}

		execs := o.store.Repos().ScannerExecutions()
		exec := store.NewScannerExecution(prog.ID, "crawler", targetLabel(targets))
		if err := execs.Create(ctx, exec); err != nil {
			return fmt.Errorf("record execution: %w", err)
		}

		if err := o.sems[bus.QueueAnalysis].Acquire(ctx, 1); err != nil {
			o.finish(exec.ID, store.ExecCancelled, err.Error())
			return err
		}
		defer o.sems[bus.QueueAnalysis].Release(1)

		if err := execs.MarkRunning(ctx, exec.ID); err != nil {
			o.log.Warn("execution status write failed", zap.String("id", exec.ID), zap.Error(err))
		}

		recs := make(chan tools.Record, 64)
		var (
			jsFiles    []string
			pageErrors int
			scanErr    error
		)
		go func() {
			defer close(recs)
			for _, target := range targets {
				stream, err := o.crawler.Scan(ctx, target, o.crawlDepth)
				if err != nil {
					scanErr = err
					return
				}
				for r := range stream {
					if r.Error != nil {
						pageErrors++
						o.log.Debug("crawl error result",
							zap.String("target", target),
							zap.String("message", r.Error.Message))
						continue
					}
					rec, ok := r.Record()
					if !ok {
						continue
					}
					if u, isURL := rec.(tools.URLRecord); isURL && isJSURL(u.RawURL) {
						jsFiles = append(jsFiles, u.RawURL)
					}
					select {
					case recs <- rec:
					case <-ctx.Done():
						go func(s <-chan crawler.Result) {
							for range s {
							}
						}(stream)
						return
					}
				}
			}
		}()

		res, ingErr := o.ingestor.Ingest(ctx, prog, snap, o.scorer, recs)
		for range recs {
		}

		switch {
		case ingErr != nil:
			o.finish(exec.ID, store.ExecFailed, ingErr.Error())
			return fmt.Errorf("ingest crawl output: %w", ingErr)
		case scanErr != nil:
			o.finish(exec.ID, store.ExecCancelled, scanErr.Error())
			return fmt.Errorf("crawl %s: %w", targetLabel(targets), scanErr)
		}

		o.finish(exec.ID, store.ExecCompleted, "")
		o.log.Info("crawl completed",
			zap.String("program", prog.Name),
			zap.Int("targets", len(targets)),
			zap.Int("created", res.CreatedTotal()),
			zap.Int("page_errors", pageErrors))

		o.emitResults(ctx, ev, "crawler", snap, res,
			normalize.Dedup(jsFiles, strings.ToLower))
		return nil
	}
}

// batchService ingests externally produced results carried in the event
// payload, in the same wire shape the crawler streams.
func (o *Orchestrator) batchService() handlerFunc {
	return func(ctx context.Context, ev bus.Event) error {
		if ev.Payload == nil || len(ev.Payload.Result) == 0 {
			return nil
		}
		prog, snap, err := o.programScope(ctx, ev.ProgramID)
		if err != nil {
			if permanent(err) {
				o.log.Warn("dropping results batch",
					zap.String("program_id", ev.ProgramID), zap.Error(err))
				return nil
			}
			return err
		}

		results, err := decodeResults(ev.Payload.Result)
		if err != nil {
			o.log.Warn("malformed results batch",
				zap.String("id", ev.ID), zap.Error(err))
			return nil
		}

		var (
			recs    []tools.Record
			jsFiles []string
		)
		for i := range results {
			rec, ok := results[i].Record()
			if !ok {
				continue
			}
			if u, isURL := rec.(tools.URLRecord); isURL && isJSURL(u.RawURL) {
				jsFiles = append(jsFiles, u.RawURL)
			}
			recs = append(recs, rec)
		}
		if len(recs) == 0 {
			return nil
		}

		res, err := o.ingestor.IngestSlice(ctx, prog, snap, o.scorer, recs)
		if err != nil {
			return fmt.Errorf("ingest results batch: %w", err)
		}

		source := ev.Source
		if source == "" {
			source = "batch"
		}
		o.log.Info("results batch ingested",
			zap.String("program", prog.Name),
			zap.String("source", source),
			zap.Int("results", len(results)),
			zap.Int("created", res.CreatedTotal()))

		o.emitResults(ctx, ev, source, snap, res,
			normalize.Dedup(jsFiles, strings.ToLower))
		return nil
	}
}

// decodeResults accepts either a single crawl result object or an array
// of them.
func decodeResults(raw json.RawMessage) ([]crawler.Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var many []crawler.Result
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one crawler.Result
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []crawler.Result{one}, nil
}

// fanoutService republishes an event's targets to the scan requests of
// the next stage, carrying the confidence forward.
func (o *Orchestrator) fanoutService(edges []edge) handlerFunc {
	return func(ctx context.Context, ev bus.Event) error {
		for _, e := range edges {
			items := targetsOf(ev)
			if e.source != nil {
				items = e.source(ev)
			}
			if e.transform != nil {
				items = e.transform(items)
			}
			if len(items) == 0 {
				continue
			}
			out := bus.Event{
				Name:       e.event,
				ProgramID:  ev.ProgramID,
				Source:     ev.Source,
				Confidence: ev.Confidence,
				Payload:    payloadWith(e.list, items),
			}
			if err := o.bus.Publish(ctx, out); err != nil {
				return fmt.Errorf("fan out %s: %w", e.event, err)
			}
		}
		return nil
	}
}

// emitResults publishes downstream events for what an ingestion run
// newly created. Hostname events get a pinned confidence when every
// hostname is covered by a domain rule; other lists carry the incoming
// confidence forward.
func (o *Orchestrator) emitResults(ctx context.Context, ev bus.Event, tool string, snap *scope.Snapshot, res *ingest.Result, jsFiles []string) {
	publish := func(name string, conf *float64, payload *bus.Payload) {
		out := bus.Event{
			Name:       name,
			ProgramID:  ev.ProgramID,
			Source:     tool,
			Confidence: conf,
			Payload:    payload,
		}
		if err := o.bus.Publish(ctx, out); err != nil {
			o.log.Warn("downstream publish failed",
				zap.String("event", name), zap.Error(err))
		}
	}

	if len(res.NewHostnames) > 0 {
		conf := ev.Confidence
		if snap != nil && allPinned(snap, res.NewHostnames) {
			pinned := o.scorer.Score(scope.SignalDomainRule).Confidence
			conf = bus.Conf(pinned)
		}
		if validationTools[tool] {
			publish("host_discovered", conf, &bus.Payload{Hosts: res.NewHostnames})
		} else {
			publish("subdomain_discovered", conf, &bus.Payload{Subdomains: res.NewHostnames})
		}
	}
	if len(res.NewAddresses) > 0 {
		publish("ips_expanded", ev.Confidence, &bus.Payload{IPs: res.NewAddresses})
	}
	if len(res.NewServiceURLs) > 0 {
		publish("url_discovered", ev.Confidence, &bus.Payload{URLs: res.NewServiceURLs})
	}
	if len(res.NewPorts) > 0 {
		publish("ports_discovered", ev.Confidence, &bus.Payload{Hosts: res.NewPorts})
	}
	if len(res.CIDRs) > 0 {
		publish("cidr_discovered", ev.Confidence, &bus.Payload{Targets: res.CIDRs})
	}
	if len(jsFiles) > 0 {
		publish("js_files_discovered", ev.Confidence, &bus.Payload{JSFiles: jsFiles})
	}
}

// resolverTools get a canary probe before the real scan so synthetic
// wildcard answers can be flagged.
var resolverTools = map[string]bool{
	"dnsx":       true,
	"dnsx-recon": true,
}

// wildcardSet maps a parent zone to the answer set its canary resolved
// to, keyed by "TYPE value".
type wildcardSet map[string]map[string]bool

// probeWildcards resolves one random non-existent sibling per parent
// zone of the targets. A sibling that resolves means the zone has
// wildcard DNS; the canary's answers identify the synthetic record set.
// Probe output is never ingested.
func (o *Orchestrator) probeWildcards(ctx context.Context, tool string, targets []string) wildcardSet {
	canaries := make(map[string]string)
	probed := make(map[string]bool)
	var names []string
	for _, t := range targets {
		zone := parentZone(t)
		if zone == "" || probed[zone] {
			continue
		}
		probed[zone] = true
		name := tools.WildcardCanary(zone)
		canaries[name] = zone
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}

	run, err := o.runner.Run(ctx, tool, names, o.runOpts())
	if err != nil {
		return nil
	}
	wild := make(wildcardSet)
	for rec := range run.Records() {
		d, ok := rec.(tools.DNS)
		if !ok {
			continue
		}
		zone, isCanary := canaries[d.Hostname]
		if !isCanary {
			continue
		}
		if wild[zone] == nil {
			wild[zone] = make(map[string]bool)
		}
		wild[zone][d.RecordType+" "+d.Value] = true
	}
	run.Wait()

	if len(wild) > 0 {
		zones := make([]string, 0, len(wild))
		for z := range wild {
			zones = append(zones, z)
		}
		o.log.Info("wildcard dns zones detected", zap.Strings("zones", zones))
	}
	return wild
}

// flagWildcards marks records that match their zone's canary answer:
// those come from the wildcard, not from a real host. Records under a
// wildcard zone with a different answer stay unflagged.
func flagWildcards(in <-chan tools.Record, wild wildcardSet) <-chan tools.Record {
	out := make(chan tools.Record, 64)
	go func() {
		defer close(out)
		for rec := range in {
			if d, ok := rec.(tools.DNS); ok {
				if answers, found := wild[parentZone(d.Hostname)]; found && answers[d.RecordType+" "+d.Value] {
					d.Wildcard = true
					rec = d
				}
			}
			out <- rec
		}
	}()
	return out
}

// parentZone returns the zone a sibling label would live in: the name
// with its first label removed. Names at or above the apex have no
// probeable zone.
func parentZone(name string) string {
	_, rest, ok := strings.Cut(name, ".")
	if !ok || !strings.Contains(rest, ".") {
		return ""
	}
	return rest
}

// programScope loads the program and compiles its scope snapshot for
// one run.
func (o *Orchestrator) programScope(ctx context.Context, programID string) (*store.Program, *scope.Snapshot, error) {
	if programID == "" {
		return nil, nil, fmt.Errorf("event has no program_id: %w", store.ErrNotFound)
	}
	repos := o.store.Repos()
	prog, err := repos.Programs().Get(ctx, programID)
	if err != nil {
		return nil, nil, err
	}
	stored, err := repos.ScopeRules().ForProgram(ctx, prog.ID)
	if err != nil {
		return nil, nil, err
	}
	rules := make([]scope.Rule, 0, len(stored))
	for _, r := range stored {
		rules = append(rules, scope.Rule{
			Kind:    scope.RuleKind(r.Kind),
			Pattern: r.Pattern,
			Action:  scope.Action(r.Action),
		})
	}
	snap, err := scope.Compile(rules)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errBadScope, err)
	}
	return prog, snap, nil
}

// finish writes the terminal execution status on a fresh context so a
// cancelled handler still records how its run ended.
func (o *Orchestrator) finish(id, status, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.Repos().ScannerExecutions().MarkFinished(ctx, id, status, msg); err != nil {
		o.log.Warn("execution status write failed",
			zap.String("id", id), zap.Error(err))
	}
}

func (o *Orchestrator) runOpts() tools.RunOpts {
	return tools.RunOpts{
		Wordlist:  o.wordlist,
		Depth:     o.crawlDepth,
		RateLimit: o.rateLimit,
	}
}

// permanent reports whether redelivering the event could ever succeed.
func permanent(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, errBadScope)
}

// executionOutcome maps a run report and ingestion error to the stored
// terminal status. Failed batches inside a successful run still count
// as completed; the counters carry the partial-failure signal.
func executionOutcome(report tools.Report, ingErr error) (status, msg string) {
	if ingErr != nil {
		return store.ExecFailed, ingErr.Error()
	}
	switch report.Status.State {
	case proc.StateOK:
		return store.ExecCompleted, ""
	case proc.StateCanceled:
		return store.ExecCancelled, "canceled"
	default:
		return store.ExecFailed, statusMessage(report.Status)
	}
}

func statusMessage(st proc.Status) string {
	var b strings.Builder
	b.WriteString(st.State.String())
	if st.State == proc.StateFailed {
		fmt.Fprintf(&b, " (exit %d)", st.ExitCode)
	}
	if st.Path != "" {
		fmt.Fprintf(&b, " %s", st.Path)
	}
	if st.StderrTail != "" {
		tail := st.StderrTail
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		b.WriteString(": ")
		b.WriteString(tail)
	}
	return b.String()
}

// targetsOf extracts scan targets: the payload's first non-empty list,
// else the envelope target.
func targetsOf(ev bus.Event) []string {
	if list := ev.Payload.TargetList(); len(list) > 0 {
		return list
	}
	if ev.Target != "" {
		return []string{ev.Target}
	}
	return nil
}

// targetLabel renders a target list for the executions table.
func targetLabel(targets []string) string {
	switch len(targets) {
	case 0:
		return ""
	case 1:
		return targets[0]
	default:
		return fmt.Sprintf("%s (+%d more)", targets[0], len(targets)-1)
	}
}

// payloadWith puts the items into the named payload list.
func payloadWith(list string, items []string) *bus.Payload {
	p := &bus.Payload{}
	switch list {
	case "subdomains":
		p.Subdomains = items
	case "urls":
		p.URLs = items
	case "hosts":
		p.Hosts = items
	case "ips":
		p.IPs = items
	case "js_files":
		p.JSFiles = items
	default:
		p.Targets = items
	}
	return p
}

// allPinned reports whether every hostname is covered by an include
// domain rule.
func allPinned(snap *scope.Snapshot, hostnames []string) bool {
	for _, h := range hostnames {
		if !snap.HasDomainRuleFor(h) {
			return false
		}
	}
	return len(hostnames) > 0
}

// jsFileList reads the payload's JS list for fan-out edges.
func jsFileList(ev bus.Event) []string {
	if ev.Payload == nil {
		return nil
	}
	return ev.Payload.JSFiles
}

// hostsOf reduces URLs to their normalized hosts, for tools that take
// domains rather than full URLs.
func hostsOf(urls []string) []string {
	hosts := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		if h, ok := normalize.Hostname(u.Hostname()); ok {
			hosts = append(hosts, h)
		}
	}
	return normalize.Dedup(hosts, func(s string) string { return s })
}

// isJSURL spots script URLs worth feeding to the JS analysis tools.
func isJSURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".js")
}

// teeJS passes records through while collecting script URLs. The
// returned getter blocks until the input channel closed, so it is safe
// to call once ingestion returned.
func teeJS(in <-chan tools.Record) (<-chan tools.Record, func() []string) {
	out := make(chan tools.Record, 64)
	done := make(chan struct{})
	var jsFiles []string
	go func() {
		defer close(out)
		defer close(done)
		for rec := range in {
			if u, ok := rec.(tools.URLRecord); ok && isJSURL(u.RawURL) {
				jsFiles = append(jsFiles, u.RawURL)
			}
			out <- rec
		}
	}()
	return out, func() []string {
		<-done
		return normalize.Dedup(jsFiles, strings.ToLower)
	}
}
