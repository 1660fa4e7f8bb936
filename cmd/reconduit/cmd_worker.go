// Worker command: the long-running process that consumes the stage
// queues, runs scanners and ingests their output.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reconduit/internal/bus"
	"reconduit/internal/crawler"
	"reconduit/internal/ingest"
	"reconduit/internal/metrics"
	"reconduit/internal/pipeline"
	"reconduit/internal/proc"
	"reconduit/internal/tools"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a scan worker",
	Long: `Binds the four stage queues and works them until interrupted:
scan requests run their tool, results are normalized into the asset
store, and newly discovered assets fan out to the next stage.

A worker is stateless; run as many as the target infrastructure and
program rate limits allow.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rdb, err := openRedis(cmd)
	if err != nil {
		return err
	}
	defer rdb.Close()

	var m *metrics.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	b, err := bus.New(bus.Config{
		Redis:        rdb,
		Logger:       logger,
		Metrics:      m,
		Visibility:   cfg.VisibilityTimeout(),
		ReapInterval: cfg.ReapInterval(),
	})
	if err != nil {
		return err
	}

	paths := tools.NewPathTable(cfg.Tools.Paths, cfg.Tools.PathFile, logger)
	if cfg.Tools.Watch {
		if err := paths.Watch(ctx); err != nil {
			logger.Warn("tool path watch unavailable", zap.Error(err))
		}
	}

	runner := tools.NewRunner(tools.RunnerConfig{
		Supervisor: proc.NewSupervisor(proc.Config{
			Logger:         logger,
			DefaultTimeout: cfg.ToolTimeout(),
			KillGrace:      cfg.KillGrace(),
		}),
		Paths:   paths,
		Logger:  logger,
		Metrics: m,
	})

	ingestor := ingest.New(ingest.Config{
		Store:     st,
		Logger:    logger,
		Metrics:   m,
		BatchSize: cfg.Scan.BatchSize,
	})

	// The crawler daemon is optional equipment; without it crawl
	// requests are acknowledged and dropped.
	var crawl pipeline.CrawlScanner
	if cfg.Crawler.Bin != "" {
		client := crawler.NewClient(crawler.ClientConfig{
			Command: cfg.Crawler.Bin,
			Args:    crawlerArgs(),
			Logger:  logger,
		})
		if err := client.Start(ctx); err != nil {
			logger.Warn("crawler daemon unavailable, crawl requests will be dropped",
				zap.String("command", cfg.Crawler.Bin), zap.Error(err))
		} else {
			crawl = client
			defer client.Close()
		}
	}

	orch, err := pipeline.New(pipeline.Config{
		Bus:              b,
		Store:            st,
		Runner:           runner,
		Ingestor:         ingestor,
		Crawler:          crawl,
		Logger:           logger,
		StageConcurrency: cfg.Scan.StageConcurrency,
		Prefetch:         cfg.Bus.Prefetch,
		Threshold:        cfg.Scan.ConfidenceThreshold,
		CrawlDepth:       cfg.Crawler.MaxDepth,
		Wordlist:         cfg.Scan.Wordlist,
		RateLimit:        cfg.Scan.RateLimit,
	})
	if err != nil {
		return err
	}
	if err := orch.Start(); err != nil {
		return err
	}

	logger.Info("worker running",
		zap.String("database", cfg.Database.Path),
		zap.String("redis", cfg.Redis.Addr),
		zap.Int("prefetch", cfg.Bus.Prefetch),
		zap.Int("stage_concurrency", cfg.Scan.StageConcurrency),
		zap.Bool("crawler", crawl != nil))

	<-ctx.Done()

	// Stop consuming before draining so no handler starts mid-shutdown.
	logger.Info("shutting down")
	if err := b.Close(); err != nil {
		logger.Warn("bus shutdown failed", zap.Error(err))
	}
	if err := orch.Close(); err != nil {
		logger.Warn("pipeline shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}
	logger.Info("worker stopped")
	return nil
}

// crawlerArgs renders the crawler config as crawlerd flags.
func crawlerArgs() []string {
	args := []string{fmt.Sprintf("--headless=%t", cfg.Crawler.Headless)}
	if cfg.Crawler.MaxDepth > 0 {
		args = append(args, "--max-depth", strconv.Itoa(cfg.Crawler.MaxDepth))
	}
	if cfg.Crawler.MaxPathLength > 0 {
		args = append(args, "--max-path-length", strconv.Itoa(cfg.Crawler.MaxPathLength))
	}
	if cfg.Crawler.PageTimeout != "" {
		args = append(args, "--page-timeout", cfg.PageTimeout().String())
	}
	if cfg.Crawler.BrowserBin != "" {
		args = append(args, "--browser", cfg.Crawler.BrowserBin)
	}
	args = append(args,
		"--log-level", cfg.Logging.Level,
		"--log-format", cfg.Logging.Format,
	)
	return args
}
