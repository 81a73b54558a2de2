// Package runner orchestrates one process invocation: traverse sources
// into snapshots, then diff the two most recent snapshots per source and
// dispatch alerts, depending on the selected mode.
package runner

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/alert"
	"github.com/carsandcollectibles/yardwatch/internal/catalog"
	"github.com/carsandcollectibles/yardwatch/internal/diff"
	"github.com/carsandcollectibles/yardwatch/internal/harvest"
	"github.com/carsandcollectibles/yardwatch/internal/subscription"
)

// Mode selects which halves of the pipeline a run executes.
type Mode string

// Run modes.
const (
	// ModeFull harvests fresh snapshots and then alerts on the diff.
	ModeFull Mode = "full"
	// ModeAudit alerts on the existing snapshot history without fetching.
	ModeAudit Mode = "audit"
	// ModeBackfill harvests and persists snapshots without alerting.
	ModeBackfill Mode = "backfill"
)

// ParseMode validates a mode flag value.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeFull, ModeAudit, ModeBackfill:
		return Mode(raw), nil
	}
	return "", fmt.Errorf("unknown mode %q (want full, audit, or backfill)", raw)
}

// SourceHarvester traverses one source into records.
type SourceHarvester interface {
	Harvest(ctx context.Context, source harvest.Source, sel *catalog.Selection) (catalog.Result, error)
}

// Config bounds one run.
type Config struct {
	Mode Mode
	// Refresh switches yard traversal to selective mode: only makes in
	// today's refresh group plus pairs new since the previous snapshot.
	Refresh bool
	// Keep is the per-source snapshot retention count; zero disables
	// pruning.
	Keep int
}

// Runner wires the pipeline together for one invocation.
type Runner struct {
	cfg          Config
	yardSources  []harvest.Source
	harvester    SourceHarvester
	market       *catalog.MarketClient
	marketSource *harvest.Source
	store        harvest.SnapshotStore
	issues       harvest.IssueSource
	resolver     *subscription.Resolver
	dispatcher   *alert.Dispatcher
	clock        harvest.Clock
	logger       *zap.Logger
}

// Params collects the Runner's collaborators.
type Params struct {
	Config       Config
	YardSources  []harvest.Source
	Harvester    SourceHarvester
	Market       *catalog.MarketClient
	MarketSource *harvest.Source
	Store        harvest.SnapshotStore
	Issues       harvest.IssueSource
	Resolver     *subscription.Resolver
	Dispatcher   *alert.Dispatcher
	Clock        harvest.Clock
	Logger       *zap.Logger
}

// New builds a Runner.
func New(p Params) *Runner {
	if p.Clock == nil {
		p.Clock = harvest.SystemClock{}
	}
	return &Runner{
		cfg:          p.Config,
		yardSources:  p.YardSources,
		harvester:    p.Harvester,
		market:       p.Market,
		marketSource: p.MarketSource,
		store:        p.Store,
		issues:       p.Issues,
		resolver:     p.Resolver,
		dispatcher:   p.Dispatcher,
		clock:        p.Clock,
		logger:       p.Logger,
	}
}

// Run executes the configured mode and returns aggregate unit stats.
// Per-unit and per-source failures are folded into the stats; the error
// return is reserved for configuration-level failures that invalidate
// the whole run.
func (r *Runner) Run(ctx context.Context) (harvest.RunStats, error) {
	var stats harvest.RunStats

	if r.cfg.Mode != ModeAudit {
		r.harvestAll(ctx, &stats)
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
	}

	if r.cfg.Mode != ModeBackfill {
		if err := r.alertAll(ctx, &stats); err != nil {
			return stats, err
		}
	}

	r.logger.Info("run complete",
		zap.String("mode", string(r.cfg.Mode)),
		zap.Int("ok", stats.OK),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

// harvestAll traverses every yard source into a snapshot, then runs the
// marketplace term queries derived from the fresh yard snapshots. A
// failing source is logged and skipped; siblings proceed.
func (r *Runner) harvestAll(ctx context.Context, stats *harvest.RunStats) {
	var yardRecords []harvest.Record

	for _, source := range r.yardSources {
		if ctx.Err() != nil {
			return
		}
		records, err := r.harvestSource(ctx, source, stats)
		if err != nil {
			r.logger.Error("source harvest failed, continuing",
				zap.String("source", source.Key),
				zap.Error(err),
			)
			stats.Observe(harvest.UnitOutcome{Status: harvest.UnitFailed, Unit: source.Key, Err: err})
			continue
		}
		yardRecords = append(yardRecords, records...)
	}

	if r.market != nil && r.marketSource != nil {
		r.harvestMarket(ctx, yardRecords, stats)
	}
}

func (r *Runner) harvestSource(ctx context.Context, source harvest.Source, stats *harvest.RunStats) ([]harvest.Record, error) {
	sel, previous, err := r.selection(ctx, source)
	if err != nil {
		return nil, err
	}

	result, err := r.harvester.Harvest(ctx, source, sel)
	if err != nil {
		return nil, err
	}
	stats.OK += result.Stats.OK
	stats.Skipped += result.Stats.Skipped
	stats.Failed += result.Stats.Failed

	records := collapseDuplicates(result.Records, source.KeyColumns)
	if sel != nil && previous != nil {
		records = carryForward(records, previous.Records, sel, source.KeyColumns)
	}
	if _, err := r.store.Write(ctx, source.Key, snapshotColumns(source.KeyColumns, records), records); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	if r.cfg.Keep > 0 {
		if removed, err := r.store.Prune(ctx, source.Key, r.cfg.Keep); err != nil {
			r.logger.Warn("prune failed", zap.String("source", source.Key), zap.Error(err))
		} else if removed > 0 {
			r.logger.Info("pruned old snapshots", zap.String("source", source.Key), zap.Int("removed", removed))
		}
	}
	return records, nil
}

// selection computes the selective-mode set for one source: today's
// refresh group over the latest snapshot's makes, plus (make, model)
// pairs that appeared between the previous two snapshots. Without
// history, or outside refresh mode, traversal is full. The latest
// snapshot comes back with the selection so unrefreshed rows can be
// carried into the new snapshot.
func (r *Runner) selection(ctx context.Context, source harvest.Source) (*catalog.Selection, *harvest.Snapshot, error) {
	if !r.cfg.Refresh {
		return nil, nil, nil
	}
	history, err := r.store.Latest(ctx, source.Key, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return nil, nil, nil
	}

	latest := history[0]
	scheduled := catalog.ScheduledMakes(column(latest.Records, "make"), r.clock.Now().Weekday())

	var newPairs [][2]string
	if len(history) > 1 {
		previous := pairSet(history[1].Records)
		for _, rec := range latest.Records {
			p := [2]string{rec["make"], rec["model"]}
			if p[0] == "" || p[1] == "" {
				continue
			}
			if _, known := previous[p]; !known {
				newPairs = append(newPairs, p)
			}
		}
	}
	return catalog.NewSelection(scheduled, newPairs), &latest, nil
}

// carryForward keeps the previous snapshot's rows whose leaf was not
// re-scraped this run. A selective refresh only re-queries the admitted
// (make, model) leaves; dropping the rest would make the next diff
// report every unrefreshed vehicle as removed.
func carryForward(fresh, previous []harvest.Record, sel *catalog.Selection, keyColumns []string) []harvest.Record {
	seen := make(map[string]struct{}, len(fresh))
	for _, rec := range fresh {
		seen[rec.Key(keyColumns)] = struct{}{}
	}
	out := fresh
	for _, rec := range previous {
		if sel.Admit(rec["make"], rec["model"]) {
			continue
		}
		key := rec.Key(keyColumns)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec.Clone())
	}
	return out
}

func (r *Runner) harvestMarket(ctx context.Context, yardRecords []harvest.Record, stats *harvest.RunStats) {
	source := *r.marketSource
	terms := catalog.SearchTerms(yardRecords)
	if len(terms) == 0 {
		r.logger.Info("no search terms derived, skipping marketplace", zap.String("source", source.Key))
		return
	}

	result, err := catalog.HarvestSold(ctx, r.market, source, terms, r.logger)
	stats.OK += result.Stats.OK
	stats.Skipped += result.Stats.Skipped
	stats.Failed += result.Stats.Failed
	if err != nil {
		return
	}

	records := collapseDuplicates(result.Records, source.KeyColumns)
	if _, err := r.store.Write(ctx, source.Key, snapshotColumns(source.KeyColumns, records), records); err != nil {
		r.logger.Error("marketplace snapshot write failed", zap.Error(err))
		stats.Observe(harvest.UnitOutcome{Status: harvest.UnitFailed, Unit: source.Key, Err: err})
		return
	}
	if r.cfg.Keep > 0 {
		if _, err := r.store.Prune(ctx, source.Key, r.cfg.Keep); err != nil {
			r.logger.Warn("prune failed", zap.String("source", source.Key), zap.Error(err))
		}
	}
}

// alertAll diffs the two most recent snapshots per source and sends one
// notification per (source, subscription) pair. A tracker failure is
// configuration-level: without subscriptions there is nothing to run.
func (r *Runner) alertAll(ctx context.Context, stats *harvest.RunStats) error {
	issues, err := r.issues.OpenIssues(ctx)
	if err != nil {
		return fmt.Errorf("list open subscription issues: %w", err)
	}
	subs := r.resolver.ResolveAll(issues)
	if len(subs) == 0 {
		r.logger.Info("no active subscriptions, skipping alerting")
		return nil
	}

	var deltas []alert.SourceDelta
	sawHistory := false
	for _, source := range r.allSources() {
		history, err := r.store.Latest(ctx, source.Key, 2)
		if err != nil {
			r.logger.Error("snapshot history unreadable, skipping source",
				zap.String("source", source.Key),
				zap.Error(err),
			)
			stats.Observe(harvest.UnitOutcome{Status: harvest.UnitFailed, Unit: source.Key, Err: err})
			continue
		}
		if len(history) < 2 {
			r.logger.Info("insufficient snapshot history, skipping source",
				zap.String("source", source.Key),
				zap.Int("have", len(history)),
			)
			stats.Observe(harvest.UnitOutcome{Status: harvest.UnitSkipped, Unit: source.Key})
			continue
		}
		sawHistory = true
		deltas = append(deltas, alert.SourceDelta{
			SourceKey: source.Key,
			Delta:     diff.Compute(history[1], history[0], source.KeyColumns),
		})
	}

	if !sawHistory && r.cfg.Mode == ModeAudit {
		return fmt.Errorf("no source has enough snapshot history to audit")
	}

	sent, err := r.dispatcher.Dispatch(ctx, deltas, subs)
	stats.OK += sent.OK
	stats.Skipped += sent.Skipped
	stats.Failed += sent.Failed
	return err
}

func (r *Runner) allSources() []harvest.Source {
	sources := append([]harvest.Source(nil), r.yardSources...)
	if r.marketSource != nil {
		sources = append(sources, *r.marketSource)
	}
	return sources
}

// collapseDuplicates keeps the first record per identity key, the
// snapshot invariant the traversal owes the store.
func collapseDuplicates(records []harvest.Record, keyColumns []string) []harvest.Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]harvest.Record, 0, len(records))
	for _, rec := range records {
		key := rec.Key(keyColumns)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// snapshotColumns orders the header: key columns first, then the
// remaining observed columns sorted.
func snapshotColumns(keyColumns []string, records []harvest.Record) []string {
	isKey := make(map[string]struct{}, len(keyColumns))
	for _, col := range keyColumns {
		isKey[col] = struct{}{}
	}
	rest := make(map[string]struct{})
	for _, rec := range records {
		for col := range rec {
			if _, key := isKey[col]; !key {
				rest[col] = struct{}{}
			}
		}
	}
	columns := append([]string(nil), keyColumns...)
	extra := make([]string, 0, len(rest))
	for col := range rest {
		extra = append(extra, col)
	}
	sort.Strings(extra)
	return append(columns, extra...)
}

func column(records []harvest.Record, col string) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		if v := rec[col]; v != "" {
			out = append(out, v)
		}
	}
	return out
}

func pairSet(records []harvest.Record) map[[2]string]struct{} {
	set := make(map[[2]string]struct{}, len(records))
	for _, rec := range records {
		set[[2]string{rec["make"], rec["model"]}] = struct{}{}
	}
	return set
}
