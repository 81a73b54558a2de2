package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/alert"
	"github.com/carsandcollectibles/yardwatch/internal/catalog"
	"github.com/carsandcollectibles/yardwatch/internal/config"
	"github.com/carsandcollectibles/yardwatch/internal/fetch"
	"github.com/carsandcollectibles/yardwatch/internal/harvest"
	"github.com/carsandcollectibles/yardwatch/internal/logging"
	"github.com/carsandcollectibles/yardwatch/internal/pacing"
	"github.com/carsandcollectibles/yardwatch/internal/runner"
	"github.com/carsandcollectibles/yardwatch/internal/snapshot"
	"github.com/carsandcollectibles/yardwatch/internal/subscription"
	"github.com/carsandcollectibles/yardwatch/internal/telemetry"
)

// newRunCmd creates the 'run' subcommand executing one pipeline pass.
func newRunCmd() *cobra.Command {
	var (
		modeFlag    string
		refresh     bool
		snapshotDir string
		strict      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Executes one harvest/alert pass",
		Long: `Runs the pipeline once in the selected mode:

  full      harvest fresh snapshots, then diff and alert
  audit     diff and alert on the existing snapshot history only
  backfill  harvest and persist snapshots without alerting`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := runner.ParseMode(modeFlag)
			if err != nil {
				return err
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if snapshotDir != "" {
				cfg.Snapshots.Dir = snapshotDir
			}
			if strict {
				cfg.Run.Strict = true
			}

			return runPipeline(cmd, cfg, mode, refresh)
		},
	}

	cmd.Flags().StringVar(&modeFlag, "mode", string(runner.ModeFull), "run mode: full, audit, or backfill")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "selective traversal: today's refresh group plus new pairs only")
	cmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "", "override the snapshot directory")
	cmd.Flags().BoolVar(&strict, "strict", false, "abort the run on a notification delivery failure")

	return cmd
}

func runPipeline(cmd *cobra.Command, cfg config.Config, mode runner.Mode, refresh bool) error {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if cfg.Metrics.Addr != "" {
		telemetry.Serve(cfg.Metrics.Addr, func(err error) {
			logger.Warn("metrics server stopped", zap.Error(err))
		})
	}

	store, err := snapshot.New(cfg.Snapshots.Dir, harvest.SystemClock{}, logger)
	if err != nil {
		return fmt.Errorf("init snapshot store: %w", err)
	}

	params := runner.Params{
		Config: runner.Config{
			Mode:    mode,
			Refresh: refresh,
			Keep:    cfg.Snapshots.Keep,
		},
		YardSources: cfg.YardSources(),
		Store:       store,
		Clock:       harvest.SystemClock{},
		Logger:      logger,
	}

	if mode != runner.ModeAudit {
		if err := wireHarvest(cfg, logger, &params); err != nil {
			return err
		}
	}
	if mode != runner.ModeBackfill {
		if err := wireAlerting(cfg, logger, &params); err != nil {
			return err
		}
	}

	stats, err := runner.New(params).Run(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("exiting",
		zap.Int("units", stats.Units()),
		zap.Int("failed", stats.Failed),
	)
	return nil
}

// wireHarvest builds the fetch/pacing/catalog stack. The yard and the
// marketplace get separate executors so each host keeps its own gap.
func wireHarvest(cfg config.Config, logger *zap.Logger, params *runner.Params) error {
	if cfg.Catalog.YardURL == "" {
		return fmt.Errorf("catalog.yard_url must be set for harvesting modes")
	}

	yardFetcher := newFetcher(cfg, cfg.YardGap(), logger)
	yardClient, err := catalog.NewYardClient(catalog.YardConfig{BaseURL: cfg.Catalog.YardURL}, yardFetcher, logger)
	if err != nil {
		return err
	}
	params.Harvester = catalog.NewTraverser(yardClient, catalog.TraverserConfig{Workers: cfg.Catalog.Workers}, logger)

	if cfg.Catalog.MarketEnabled {
		marketFetcher := newFetcher(cfg, cfg.MarketGap(), logger)
		market, err := catalog.NewMarketClient(catalog.MarketConfig{BaseURL: cfg.Catalog.MarketURL}, marketFetcher, logger)
		if err != nil {
			return err
		}
		source := cfg.MarketSource()
		params.Market = market
		params.MarketSource = &source
	}
	return nil
}

func wireAlerting(cfg config.Config, logger *zap.Logger, params *runner.Params) error {
	tracker, err := subscription.NewTracker(subscription.TrackerConfig{
		BaseURL: cfg.Tracker.URL,
		Repo:    cfg.Tracker.Repo,
		Label:   cfg.Tracker.Label,
		Token:   cfg.Tracker.Token,
	})
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}

	notifier, err := alert.NewResendNotifier(alert.ResendConfig{
		BaseURL: cfg.Notify.URL,
		APIKey:  cfg.Notify.APIKey,
	})
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}

	params.Issues = tracker
	params.Resolver = subscription.NewResolver(nil, logger)
	params.Dispatcher = alert.NewDispatcher(notifier, alert.Config{
		From:   cfg.Notify.From,
		Strict: cfg.Run.Strict,
	}, logger)
	return nil
}

func newFetcher(cfg config.Config, gap time.Duration, logger *zap.Logger) *fetch.Client {
	exec := fetch.NewExecutor(fetch.ExecutorConfig{
		MaxAttempts:  cfg.Fetch.MaxAttempts,
		BackoffStart: time.Duration(cfg.Fetch.BackoffStartSeconds) * time.Second,
		BackoffCap:   time.Duration(cfg.Fetch.BackoffCapSeconds) * time.Second,
	}, logger)
	exec.SetAdmission(pacing.New(gap).Admit)
	return fetch.NewClient(fetch.ClientConfig{Timeout: cfg.FetchTimeout()}, exec, logger)
}
