// Command reconduit manages reconnaissance programs and runs the scan
// worker. The CLI talks to the same SQLite asset store and Redis event
// bus the workers use, so operators can seed programs, submit scans and
// inspect progress from any machine that reaches both.
package main

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reconduit/internal/config"
	"reconduit/internal/logging"
	"reconduit/internal/store"
)

var (
	cfgPath  string
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reconduit",
	Short: "Staged reconnaissance orchestrator for bug bounty programs",
	Long: `reconduit drives external scanners through a staged event pipeline:
discovery feeds validation, validation feeds analysis, and every result
lands normalized in a relational asset graph scoped to a program.

Define a program and its scope rules, seed it with root domains, then
submit a scan and let the workers cascade from there.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
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
}

// initCmd writes a starter configuration file.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}
	if err := config.DefaultConfig().Save(cfgPath); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", cfgPath)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "reconduit.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(programCmd)
	rootCmd.AddCommand(assetsCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(workerCmd)
}

// openStore opens the configured asset database.
func openStore() (*store.Store, error) {
	return store.Open(store.Options{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.DatabaseBusyTimeout(),
		Logger:      logger,
	})
}

// openRedis connects to the configured broker and verifies it answers.
func openRedis(cmd *cobra.Command) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(cmd.Context()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
	}
	return rdb, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
