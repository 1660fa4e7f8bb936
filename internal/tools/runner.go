package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"reconduit/internal/metrics"
	"reconduit/internal/proc"
)

// Runner launches tools through the process supervisor and streams
// their parsed records.
type Runner struct {
	sv      *proc.Supervisor
	paths   *PathTable
	reg     *Registry
	log     *zap.Logger
	metrics *metrics.Metrics
}

// RunnerConfig assembles a Runner's collaborators. Registry defaults to
// the builtin set; Metrics may be nil.
type RunnerConfig struct {
	Supervisor *proc.Supervisor
	Paths      *PathTable
	Registry   *Registry
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// NewRunner builds a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = Builtin()
	}
	if cfg.Paths == nil {
		cfg.Paths = NewPathTable(nil, "", cfg.Logger)
	}
	if cfg.Supervisor == nil {
		cfg.Supervisor = proc.NewSupervisor(proc.Config{Logger: cfg.Logger})
	}
	return &Runner{
		sv:      cfg.Supervisor,
		paths:   cfg.Paths,
		reg:     cfg.Registry,
		log:     cfg.Logger.Named("runner"),
		metrics: cfg.Metrics,
	}
}

// Registry exposes the runner's tool set.
func (r *Runner) Registry() *Registry {
	return r.reg
}

// Report summarizes one finished run.
type Report struct {
	Tool     string
	Status   proc.Status
	Parsed   int
	Skipped  int
	Duration time.Duration
}

// Failed reports whether the run ended without a clean exit.
func (r Report) Failed() bool {
	return r.Status.State != proc.StateOK
}

// Run is a live tool invocation. Consume Records until the channel
// closes, then call Wait for the report. Close abandons a run early.
type Run struct {
	Tool string

	records chan Record
	stream  *proc.Stream
	done    chan struct{}
	report  Report
	cleanup func()
}

// Records streams parsed output. The channel closes when the tool exits
// or the run is closed.
func (r *Run) Records() <-chan Record {
	return r.records
}

// Wait blocks until the tool has exited and returns the report.
func (r *Run) Wait() Report {
	<-r.done
	return r.report
}

// Close abandons the run: the process is signaled, remaining records
// are discarded, and Wait becomes safe to call immediately.
func (r *Run) Close() {
	r.stream.Close()
	for range r.records {
	}
	<-r.done
}

// Run starts the named tool against the targets. Tools marked
// SingleTarget take exactly one target; stdin tools take any number.
// A missing binary surfaces in the report status, not as an error.
func (r *Runner) Run(ctx context.Context, name string, targets []string, opts RunOpts) (*Run, error) {
	spec := r.reg.Get(name)
	if spec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTargets, name)
	}
	if spec.SingleTarget && len(targets) != 1 {
		return nil, fmt.Errorf("tool %s takes exactly one target, got %d", name, len(targets))
	}

	var (
		target  string
		stdin   []byte
		cleanup func()
	)
	switch {
	case spec.SingleTarget:
		target = targets[0]
	case spec.WantsFile:
		f, err := os.CreateTemp("", "reconduit-targets-*.txt")
		if err != nil {
			return nil, fmt.Errorf("failed to write targets file: %w", err)
		}
		if _, err := f.WriteString(strings.Join(targets, "\n") + "\n"); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("failed to write targets file: %w", err)
		}
		f.Close()
		opts.TargetsFile = f.Name()
		cleanup = func() { os.Remove(f.Name()) }
	default:
		stdin = []byte(strings.Join(targets, "\n") + "\n")
	}

	command := proc.Command{
		Path:    r.paths.Resolve(spec),
		Args:    spec.Args(target, opts),
		Stdin:   stdin,
		Timeout: spec.Timeout,
	}

	r.log.Debug("starting tool",
		zap.String("tool", name),
		zap.String("path", command.Path),
		zap.Int("targets", len(targets)))

	stream, err := r.sv.Start(ctx, command)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}

	run := &Run{
		Tool:    name,
		records: make(chan Record),
		stream:  stream,
		done:    make(chan struct{}),
		cleanup: cleanup,
	}
	go r.pump(ctx, spec, run, time.Now())
	return run, nil
}

// pump parses lines into records until the stream drains, then settles
// the report.
func (r *Runner) pump(ctx context.Context, spec *Spec, run *Run, started time.Time) {
	parsed, skipped := 0, 0

	for line := range run.stream.Lines() {
		records, err := spec.Parse(line)
		if err != nil {
			skipped++
			if r.metrics != nil {
				r.metrics.ParseSkips.WithLabelValues(spec.Name).Inc()
			}
			r.log.Debug("parse skip",
				zap.String("tool", spec.Name),
				zap.String("line", truncate(line, 200)),
				zap.Error(err))
			continue
		}
		for _, record := range records {
			select {
			case run.records <- record:
				parsed++
			case <-ctx.Done():
				// Consumer is gone; drain the stream so the process
				// can be reaped.
				run.stream.Close()
			}
		}
	}
	close(run.records)

	status := run.stream.Wait()
	run.report = Report{
		Tool:     spec.Name,
		Status:   status,
		Parsed:   parsed,
		Skipped:  skipped,
		Duration: time.Since(started),
	}
	if run.cleanup != nil {
		run.cleanup()
	}

	if r.metrics != nil {
		r.metrics.ScanRuns.WithLabelValues(spec.Name, status.State.String()).Inc()
		r.metrics.ScanDuration.WithLabelValues(spec.Name).Observe(run.report.Duration.Seconds())
		r.metrics.RecordsParsed.WithLabelValues(spec.Name).Add(float64(parsed))
	}

	switch status.State {
	case proc.StateOK:
		r.log.Debug("tool finished",
			zap.String("tool", spec.Name),
			zap.Int("parsed", parsed),
			zap.Int("skipped", skipped),
			zap.Duration("took", run.report.Duration))
	case proc.StateNotFound:
		r.log.Warn("tool not installed",
			zap.String("tool", spec.Name),
			zap.String("path", status.Path))
	default:
		r.log.Warn("tool run did not finish cleanly",
			zap.String("tool", spec.Name),
			zap.String("status", status.State.String()),
			zap.Int("exit_code", status.ExitCode),
			zap.String("stderr", truncate(status.StderrTail, 500)))
	}
	close(run.done)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
