package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/screa/ip-hunter/internal/config"
	"github.com/screa/ip-hunter/internal/ledger"
	"github.com/screa/ip-hunter/internal/report"
	"github.com/screa/ip-hunter/pkg/hunter"
	"github.com/screa/ip-hunter/pkg/stats"
	"github.com/screa/ip-hunter/pkg/types"
)

func newStatsCmd() *cobra.Command {
	var (
		file string
		top  int
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the persisted statistics of previous runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), func(cfg *config.Config) {
				if cmd.Flags().Changed("file") {
					cfg.StatsFile = file
				}
			})
			if err != nil {
				return err
			}

			snap, err := stats.Load(cfg.StatsFile)
			if err != nil {
				return err
			}
			now := time.Now()
			if !snap.StoppedAt.IsZero() {
				now = snap.StoppedAt
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Stats(snap, top, now))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Statistics file (default: configured stats_file)")
	cmd.Flags().IntVarP(&top, "top", "n", 10, "Number of most frequent addresses to show")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		path    string
		q       ledger.Query
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List attempts recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), func(cfg *config.Config) {
				if cmd.Flags().Changed("ledger") {
					cfg.Ledger = path
				}
			})
			if err != nil {
				return err
			}
			if cfg.Ledger == "" {
				return fmt.Errorf("%w: no ledger configured", hunter.ErrInvalidConfiguration)
			}
			if _, err := os.Stat(cfg.Ledger); err != nil {
				return fmt.Errorf("failed to open ledger: %w", err)
			}
			if q.Outcome != "" {
				var o types.Outcome
				if err := o.UnmarshalText([]byte(q.Outcome)); err != nil {
					return fmt.Errorf("%w: %w", hunter.ErrInvalidConfiguration, err)
				}
			}

			l, err := ledger.Open(cfg.Ledger, "")
			if err != nil {
				return err
			}
			defer l.Close()

			if summary {
				counts, err := l.Counts(cmd.Context(), q.RunID)
				if err != nil {
					return err
				}
				parts := make([]string, 0, len(counts))
				for _, o := range []types.Outcome{types.Matched, types.Unmatched, types.TransientError, types.QuotaError, types.AuthError} {
					if n, ok := counts[o]; ok {
						parts = append(parts, fmt.Sprintf("%s=%d", o, n))
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(parts, " "))
				return nil
			}

			entries, err := l.Recent(cmd.Context(), q)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.History(entries))
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&path, "ledger", "", "Ledger database (default: configured ledger)")
	fl.StringVar(&q.RunID, "run", "", "Only attempts of this run id")
	fl.StringVar(&q.Outcome, "outcome", "", "Only attempts with this outcome (matched, unmatched, transient_error, quota_error, auth_error)")
	fl.IntVarP(&q.Limit, "limit", "n", 20, "Maximum number of attempts to list (0 = all)")
	fl.BoolVar(&summary, "summary", false, "Print counts per outcome instead of attempts")
	return cmd
}

func newNetworksCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "networks",
		Short: "List networks that floating IPs can be allocated from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), nil)
			if err != nil {
				return err
			}
			client, err := neutronFromConfig(cfg)
			if err != nil {
				return err
			}

			ctx, stop := commandContext(cmd)
			defer stop()

			nets, err := client.Networks(ctx, !all)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Networks(nets))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include internal networks")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var rangeSpecs []string
	cmd := &cobra.Command{
		Use:   "check ADDRESS...",
		Short: "Test addresses against the target ranges without provisioning anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), func(cfg *config.Config) {
				if cmd.Flags().Changed("range") {
					cfg.Ranges = rangeSpecs
				}
			})
			if err != nil {
				return err
			}
			matcher, err := cfg.Matcher()
			if err != nil {
				return fmt.Errorf("%w: %w", hunter.ErrInvalidConfiguration, err)
			}

			results := make([]report.CheckResult, 0, len(args))
			for _, addr := range args {
				r, ok, err := matcher.Match(addr)
				res := report.CheckResult{Address: addr, Matched: ok, Err: err}
				if ok {
					res.Range = r.String()
				}
				results = append(results, res)
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Check(results))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&rangeSpecs, "range", "r", nil, "Target range (default: configured ranges)")
	return cmd
}
