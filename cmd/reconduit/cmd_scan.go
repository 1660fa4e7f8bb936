// Scan commands: submitting scan requests, importing externally
// produced results and inspecting pipeline progress.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"reconduit/internal/bus"
	"reconduit/internal/crawler"
	"reconduit/internal/store"
)

var (
	scanConfidence float64
	statusLimit    int
	importSource   string
	importChunk    int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Submit scans and watch the pipeline work",
}

var scanSubmitCmd = &cobra.Command{
	Use:   "submit <program> <event> [targets...]",
	Short: "Publish a scan request event",
	Long: `Publishes a scan request for the program. The event names the stage
entry point, e.g. subfinder_scan_requested or httpx_scan_requested; run
with a bogus event name to get the routable list.

Examples:
  reconduit scan submit acme subfinder_scan_requested example.com
  reconduit scan submit acme httpx_scan_requested api.example.com www.example.com
  reconduit scan submit acme crawler_scan_requested https://app.example.com`,
	Args: cobra.MinimumNArgs(2),
	RunE: runScanSubmit,
}

var scanKickoffCmd = &cobra.Command{
	Use:   "kickoff <program>",
	Short: "Start discovery from the program's seeds",
	Long: `Publishes the stage-one scan requests for every recorded seed: domain
seeds go to subdomain enumeration, ip seeds to reverse lookups, url
seeds to the crawler.`,
	Args: cobra.ExactArgs(1),
	RunE: runScanKickoff,
}

var scanImportCmd = &cobra.Command{
	Use:   "import <program> <file>",
	Short: "Ingest a result file through the batch pipeline",
	Long: `Reads results in the crawler wire shape (a JSON array or JSON lines,
as katana and similar tools emit) and publishes them as
scan_results_batch events for the workers to ingest.`,
	Args: cobra.ExactArgs(2),
	RunE: runScanImport,
}

var scanStatusCmd = &cobra.Command{
	Use:   "status <program>",
	Short: "Show recent executions and queue depths",
	Args:  cobra.ExactArgs(1),
	RunE:  runScanStatus,
}

func init() {
	scanSubmitCmd.Flags().Float64Var(&scanConfidence, "confidence", -1, "Event confidence in [0,1]; drives queue priority")
	scanImportCmd.Flags().StringVar(&importSource, "source", "import", "Source label recorded on ingested assets")
	scanImportCmd.Flags().IntVar(&importChunk, "chunk", 200, "Results per published batch event")
	scanStatusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Executions to show")

	scanCmd.AddCommand(scanSubmitCmd, scanKickoffCmd, scanImportCmd, scanStatusCmd)
}

// openBus builds a publisher-side bus connection.
func openBus(cmd *cobra.Command) (*bus.Bus, func(), error) {
	rdb, err := openRedis(cmd)
	if err != nil {
		return nil, nil, err
	}
	b, err := bus.New(bus.Config{Redis: rdb, Logger: logger})
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return b, func() { b.Close(); rdb.Close() }, nil
}

func runScanSubmit(cmd *cobra.Command, args []string) error {
	event := args[1]
	if _, ok := bus.QueueFor(event); !ok {
		return fmt.Errorf("%q is not routable; known events:\n  %s",
			event, formatEventList())
	}
	targets := args[2:]
	if len(targets) == 0 {
		return fmt.Errorf("no targets given")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	p, err := programByName(cmd, st, args[0])
	if err != nil {
		return err
	}

	b, closeBus, err := openBus(cmd)
	if err != nil {
		return err
	}
	defer closeBus()

	ev := bus.Event{Name: event, ProgramID: p.ID, Source: "operator"}
	if scanConfidence >= 0 {
		ev.Confidence = bus.Conf(scanConfidence)
	}
	if len(targets) == 1 {
		ev.Target = targets[0]
	} else {
		ev.Payload = &bus.Payload{Targets: targets}
	}

	if err := b.Publish(cmd.Context(), ev); err != nil {
		return err
	}
	queue, _ := bus.QueueFor(event)
	fmt.Printf("published %s to %s (%d targets)\n", event, queue, len(targets))
	return nil
}

func formatEventList() string {
	var buf bytes.Buffer
	for i, name := range bus.Events() {
		if i > 0 {
			if i%3 == 0 {
				buf.WriteString("\n  ")
			} else {
				buf.WriteString("  ")
			}
		}
		fmt.Fprintf(&buf, "%-28s", name)
	}
	return buf.String()
}

// seedEvents maps seed kinds to their stage-one entry events.
var seedEvents = map[string]string{
	"domain": "subfinder_scan_requested",
	"ip":     "dnsx_ptr_scan_requested",
	"url":    "crawler_scan_requested",
}

func runScanKickoff(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()

	p, err := programByName(cmd, st, args[0])
	if err != nil {
		return err
	}
	seeds, err := st.Repos().RootInputs().FindMany(ctx,
		store.Filters{"program_id": p.ID}, store.FindOpts{})
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		return fmt.Errorf("program %s has no seeds; add one with: reconduit program seed %s <value>", p.Name, p.Name)
	}

	b, closeBus, err := openBus(cmd)
	if err != nil {
		return err
	}
	defer closeBus()

	published := 0
	for _, seed := range seeds {
		event, ok := seedEvents[seed.Kind]
		if !ok {
			fmt.Printf("skipping seed %q: no entry event for kind %s\n", seed.Value, seed.Kind)
			continue
		}
		err := b.Publish(ctx, bus.Event{
			Name:      event,
			ProgramID: p.ID,
			Target:    seed.Value,
			Source:    "operator",
		})
		if err != nil {
			return err
		}
		fmt.Printf("published %s for %s\n", event, seed.Value)
		published++
	}
	fmt.Printf("%d scans kicked off\n", published)
	return nil
}

func runScanImport(cmd *cobra.Command, args []string) error {
	results, err := readResultFile(args[1])
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("%s holds no results", args[1])
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	p, err := programByName(cmd, st, args[0])
	if err != nil {
		return err
	}

	b, closeBus, err := openBus(cmd)
	if err != nil {
		return err
	}
	defer closeBus()

	chunk := importChunk
	if chunk < 1 {
		chunk = 1
	}
	batches := 0
	for start := 0; start < len(results); start += chunk {
		end := start + chunk
		if end > len(results) {
			end = len(results)
		}
		raw, err := json.Marshal(results[start:end])
		if err != nil {
			return err
		}
		err = b.Publish(cmd.Context(), bus.Event{
			Name:      "scan_results_batch",
			ProgramID: p.ID,
			Source:    importSource,
			Payload:   &bus.Payload{Result: raw},
		})
		if err != nil {
			return err
		}
		batches++
	}
	fmt.Printf("published %d results in %d batches\n", len(results), batches)
	return nil
}

// readResultFile accepts a JSON array or JSON lines of wire results.
func readResultFile(path string) ([]crawler.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var results []crawler.Result
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return results, nil
	}

	var results []crawler.Result
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r crawler.Result
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", path, lineNo, err)
		}
		results = append(results, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func runScanStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()

	p, err := programByName(cmd, st, args[0])
	if err != nil {
		return err
	}

	execs, err := st.Repos().ScannerExecutions().FindMany(ctx,
		store.Filters{"program_id": p.ID},
		store.FindOpts{OrderBy: "created_at DESC", Limit: statusLimit})
	if err != nil {
		return err
	}
	fmt.Printf("executions (%d shown, newest first)\n", len(execs))
	for _, e := range execs {
		line := fmt.Sprintf("  %-10s %-12s %-40s %s",
			e.Status, e.Tool, e.Target, runDuration(e))
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Println(line)
	}

	b, closeBus, err := openBus(cmd)
	if err != nil {
		return err
	}
	defer closeBus()

	fmt.Println("\nqueues (pending/claimed)")
	for _, q := range bus.Queues() {
		pending, unacked, err := b.Depth(ctx, q)
		if err != nil {
			return err
		}
		fmt.Printf("  %-12s %d/%d\n", q, pending, unacked)
	}
	return nil
}

func runDuration(e *store.ScannerExecution) string {
	if e.StartedAt == nil {
		return "-"
	}
	end := time.Now().UTC()
	if e.FinishedAt != nil {
		end = *e.FinishedAt
	}
	return end.Sub(*e.StartedAt).Round(time.Millisecond).String()
}
