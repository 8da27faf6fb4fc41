package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/screa/ip-hunter/internal/config"
	"github.com/screa/ip-hunter/internal/crypto"
	"github.com/screa/ip-hunter/internal/ledger"
	"github.com/screa/ip-hunter/internal/notify"
	"github.com/screa/ip-hunter/internal/provision"
	"github.com/screa/ip-hunter/internal/report"
	"github.com/screa/ip-hunter/pkg/hunter"
	"github.com/screa/ip-hunter/pkg/ranges"
	"github.com/screa/ip-hunter/pkg/stats"
)

type runFlags struct {
	workers     int
	ranges      []string
	provider    string
	endpoint    string
	networkID   string
	statsFile   string
	ledger      string
	resume      bool
	rate        float64
	keepLosing  bool
	logInterval time.Duration
	grace       time.Duration
	callTimeout time.Duration
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start hunting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), func(cfg *config.Config) {
				f.apply(cmd, cfg)
			})
			if err != nil {
				return err
			}
			return runHunt(cmd, cfg)
		},
	}

	fl := cmd.Flags()
	fl.IntVarP(&f.workers, "workers", "w", 0, "Number of concurrent workers (default: number of CPUs)")
	fl.StringSliceVarP(&f.ranges, "range", "r", nil, "Target range: a-b, CIDR or single address (repeatable)")
	fl.StringVarP(&f.provider, "provider", "p", "", "Provider: neutron, nova or simulate")
	fl.StringVar(&f.endpoint, "endpoint", "", "Provisioning API endpoint")
	fl.StringVar(&f.networkID, "network", "", "Floating network id (neutron)")
	fl.StringVar(&f.statsFile, "stats-file", "", "Statistics file")
	fl.StringVar(&f.ledger, "ledger", "", "SQLite attempt ledger (disabled when empty)")
	fl.BoolVar(&f.resume, "resume", false, "Continue counting from the existing statistics file")
	fl.Float64Var(&f.rate, "rate", 0, "Maximum acquisitions per second across all workers (0 = unlimited)")
	fl.BoolVar(&f.keepLosing, "keep-losing-matches", false, "Keep matching resources found after the hunt already stopped")
	fl.DurationVarP(&f.logInterval, "log-interval", "i", 0, "Progress logging interval")
	fl.DurationVar(&f.grace, "shutdown-grace", 0, "How long to wait for workers on shutdown")
	fl.DurationVar(&f.callTimeout, "call-timeout", 0, "Timeout for each provisioning call")
	return cmd
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("workers") {
		cfg.Workers = f.workers
	}
	if fl.Changed("range") {
		cfg.Ranges = f.ranges
	}
	if fl.Changed("provider") {
		cfg.Provider = f.provider
	}
	if fl.Changed("endpoint") {
		cfg.Endpoint = f.endpoint
	}
	if fl.Changed("network") {
		cfg.NetworkID = f.networkID
	}
	if fl.Changed("stats-file") {
		cfg.StatsFile = f.statsFile
	}
	if fl.Changed("ledger") {
		cfg.Ledger = f.ledger
	}
	if fl.Changed("resume") {
		cfg.ResumeStats = f.resume
	}
	if fl.Changed("rate") {
		cfg.RequestRate = f.rate
	}
	if fl.Changed("keep-losing-matches") {
		cfg.KeepLosingMatches = f.keepLosing
	}
	durationFlag(fl, "log-interval", f.logInterval, &cfg.LogInterval)
	durationFlag(fl, "shutdown-grace", f.grace, &cfg.ShutdownGrace)
	durationFlag(fl, "call-timeout", f.callTimeout, &cfg.CallTimeout)
}

func runHunt(cmd *cobra.Command, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", hunter.ErrInvalidConfiguration, err)
	}
	matcher, err := cfg.Matcher()
	if err != nil {
		return fmt.Errorf("%w: %w", hunter.ErrInvalidConfiguration, err)
	}

	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	runID := uuid.NewString()
	logger = logger.With("run", runID[:8])
	logger.Info("starting ip-hunter",
		"provider", cfg.Provider,
		"workers", cfg.Workers,
		"target", cfg.GetTargetDescription(),
		"token", crypto.Fingerprint(cfg.Token))

	opts := hunter.Options{
		Workers:           cfg.Workers,
		Matcher:           matcher,
		Client:            newClient(cfg, runID, matcher),
		StatsFile:         cfg.StatsFile,
		PersistEvery:      cfg.PersistEvery.Duration(),
		LogInterval:       cfg.LogInterval.Duration(),
		NotifyEvery:       cfg.NotifyEvery,
		StallAfter:        cfg.StallAfter.Duration(),
		RequestRate:       cfg.RequestRate,
		Quota:             cfg.QuotaBackoff.Policy(),
		Transient:         cfg.TransientBackoff.Policy(),
		Pacer:             cfg.PacerPolicy(),
		CallTimeout:       cfg.CallTimeout.Duration(),
		ShutdownGrace:     cfg.ShutdownGrace.Duration(),
		KeepLosingMatches: cfg.KeepLosingMatches,
		RunID:             runID,
		Logger:            logger,
	}

	if cfg.ResumeStats && cfg.StatsFile != "" {
		prev, err := stats.Load(cfg.StatsFile)
		switch {
		case err == nil:
			logger.Info("resuming statistics", "file", cfg.StatsFile, "attempts", prev.TotalAttempts)
			opts.Store = stats.NewStoreFrom(prev)
		case errors.Is(err, fs.ErrNotExist):
		default:
			logger.Warn("could not load previous statistics, starting fresh", "error", err)
		}
	}

	if cfg.Ledger != "" {
		l, err := ledger.Open(cfg.Ledger, runID)
		if err != nil {
			return err
		}
		defer l.Close()
		opts.Ledger = l
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		tg := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID,
			notify.WithAPIURL(cfg.Telegram.APIURL),
			notify.WithLogger(logger))
		notifiers = append(notifiers, tg)
		if cfg.Telegram.Listen {
			opts.Listener = tg
		}
	}
	opts.Notifier = notifiers

	ctx, stop := commandContext(cmd)
	defer stop()

	h := hunter.New(opts)
	result, runErr := h.Run(ctx)
	fmt.Fprint(cmd.OutOrStdout(), report.Summary(result, runErr, h.Stats(), time.Now()))
	return runErr
}

func newClient(cfg *config.Config, runID string, matcher *ranges.Matcher) provision.Client {
	opts := provision.Options{
		Endpoint: cfg.Endpoint,
		Token:    cfg.Token,
		Timeout:  cfg.CallTimeout.Duration(),
	}

	switch cfg.Provider {
	case config.ProviderNova:
		opts.Namer = crypto.NewNamer("hunt", runID).Next
		return provision.NewNova(opts, cfg.Server,
			provision.WithPolling(cfg.PollInterval.Duration(), cfg.ActiveTimeout.Duration()))
	case config.ProviderSimulate:
		return provision.NewSimulated(provision.SimulatedOptions{
			HitRate:       cfg.Simulate.HitRate,
			QuotaRate:     cfg.Simulate.QuotaRate,
			TransientRate: cfg.Simulate.TransientRate,
			Latency:       cfg.Simulate.Latency.Duration(),
			Targets:       matcher.Ranges(),
		})
	default:
		opts.Namer = crypto.NewNamer("fip", runID).Next
		return provision.NewNeutron(opts, cfg.NetworkID)
	}
}

// neutronFromConfig builds a discovery-only client; it does not need a network id
func neutronFromConfig(cfg *config.Config) (*provision.Neutron, error) {
	if cfg.Endpoint == "" || cfg.Token == "" {
		return nil, fmt.Errorf("%w: %w", hunter.ErrInvalidConfiguration, config.ErrMissingCredentials)
	}
	return provision.NewNeutron(provision.Options{
		Endpoint: cfg.Endpoint,
		Token:    cfg.Token,
		Timeout:  cfg.CallTimeout.Duration(),
	}, ""), nil
}

// commandContext cancels on SIGINT/SIGTERM
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
