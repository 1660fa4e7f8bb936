// Command crawlerd is the headless-browser scan daemon. It answers
// line-delimited JSON-RPC on stdio: a scan call streams every request
// the explored pages issued as scan.result notifications, then closes
// with a response carrying the result count. Logs go to stderr; stdout
// belongs to the protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reconduit/internal/crawler"
	"reconduit/internal/logging"
)

var (
	browserBin    string
	headless      bool
	maxDepth      int
	maxPathLength int
	maxPages      int
	pageTimeout   time.Duration
	settle        time.Duration
	logLevel      string
	logFormat     string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "crawlerd",
	Short: "Headless-browser crawl daemon speaking JSON-RPC on stdio",
	Long: `crawlerd drives a headless browser and explores web applications as a
bounded state machine: pages dedup on a fingerprint of normalized URL,
DOM shape, cookies and storage, and interactions dedup on semantic
action clusters. Every request the pages issue streams back to the
caller as a scan.result notification.

The process serves scans concurrently and exits when stdin closes.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logLevel, logFormat)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&browserBin, "browser", "", "Browser binary path (default: auto-detect)")
	rootCmd.Flags().BoolVar(&headless, "headless", true, "Run the browser headless")
	rootCmd.Flags().IntVar(&maxDepth, "max-depth", 3, "Default link-following depth per scan")
	rootCmd.Flags().IntVar(&maxPathLength, "max-path-length", 12, "Maximum in-page action sequence length")
	rootCmd.Flags().IntVar(&maxPages, "max-pages", 64, "Maximum distinct page states per scan")
	rootCmd.Flags().DurationVar(&pageTimeout, "page-timeout", 30*time.Second, "Navigation timeout per page")
	rootCmd.Flags().DurationVar(&settle, "settle", 500*time.Millisecond, "Pause after navigations and clicks")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "json", "Log format (json, console)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	engine := crawler.NewEngine(crawler.Config{
		BrowserBin:    browserBin,
		Headless:      headless,
		MaxDepth:      maxDepth,
		MaxPathLength: maxPathLength,
		MaxPages:      maxPages,
		PageTimeout:   pageTimeout,
		Settle:        settle,
		Logger:        logger,
	})
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("browser shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("crawler daemon listening on stdio")
	return crawler.NewServer(engine, logger).Serve(ctx, os.Stdin, os.Stdout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
