package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/screa/ip-hunter/internal/config"
	logpkg "github.com/screa/ip-hunter/internal/logger"
	"github.com/screa/ip-hunter/pkg/hunter"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	envFile    string
	verbose    bool
	json       bool
	logFile    string
}

var global globalFlags

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, hunter.ErrCancelled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(hunter.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ip-hunter",
		Short: "Hunt for a cloud resource whose address falls in a target range",
		Long: `ip-hunter repeatedly provisions floating IPs or servers, checks the address
they were given against a set of target ranges, releases the misses and stops at
the first hit.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", hunter.ErrInvalidConfiguration, err)
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&global.configPath, "config", "c", "", "Config file (.yaml, .yml or .toml)")
	pf.StringVar(&global.envFile, "env-file", ".env", "Dotenv file loaded before reading HUNTER_* variables")
	pf.BoolVarP(&global.verbose, "verbose", "v", false, "Verbose output")
	pf.BoolVar(&global.json, "json", false, "Log as JSON")
	pf.StringVarP(&global.logFile, "log-file", "l", "", "Log file (default: stdout)")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatsCmd(),
		newHistoryCmd(),
		newNetworksCmd(),
		newCheckCmd(),
	)
	return rootCmd
}

// loadConfig resolves defaults, file, environment and then explicitly set flags
func loadConfig(flags *pflag.FlagSet, overlay func(*config.Config)) (*config.Config, error) {
	if err := config.LoadDotEnv(global.envFile); err != nil {
		return nil, fmt.Errorf("%w: %w", hunter.ErrInvalidConfiguration, err)
	}
	cfg, err := config.Resolve(global.configPath, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hunter.ErrInvalidConfiguration, err)
	}

	if flags.Changed("verbose") {
		cfg.Verbose = global.verbose
	}
	if flags.Changed("json") {
		cfg.JSON = global.json
	}
	if flags.Changed("log-file") {
		cfg.LogFile = global.logFile
	}
	if overlay != nil {
		overlay(cfg)
	}
	return cfg, nil
}

// setupLogging opens the configured log destination. The returned closer is never nil.
func setupLogging(cfg *config.Config) (*logpkg.Logger, func() error, error) {
	opts := logpkg.Options{Verbose: cfg.Verbose, JSON: cfg.JSON}
	if cfg.LogFile == "" {
		return logpkg.NewWriter(os.Stdout, opts), func() error { return nil }, nil
	}

	file, err := logpkg.OpenFile(cfg.LogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	// progress also goes to stdout so the operator sees it live
	return logpkg.NewWriter(io.MultiWriter(os.Stdout, file), opts), file.Close, nil
}

// durationFlag copies a changed duration flag into a config duration
func durationFlag(flags *pflag.FlagSet, name string, src time.Duration, dst *config.Duration) {
	if flags.Changed(name) {
		*dst = config.Duration(src)
	}
}
