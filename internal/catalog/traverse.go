package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
	"github.com/carsandcollectibles/yardwatch/internal/telemetry"
)

// Selection restricts the model level of a traversal. A nil Selection
// means full mode: every make and model is visited.
type Selection struct {
	// Makes admits every model of a make, uppercase names.
	Makes map[string]struct{}
	// Pairs admits single [make, model] combinations, uppercase.
	Pairs map[[2]string]struct{}
}

// Admit reports whether the leaf (make, model) is part of the traversal.
func (s *Selection) Admit(makeName, modelName string) bool {
	if s == nil {
		return true
	}
	mk := strings.ToUpper(makeName)
	if _, ok := s.Makes[mk]; ok {
		return true
	}
	_, ok := s.Pairs[[2]string{mk, strings.ToUpper(modelName)}]
	return ok
}

// NewSelection builds the selective-mode set from the makes scheduled
// for refresh today and the (make, model) pairs new since the previous
// snapshot.
func NewSelection(scheduled map[string]struct{}, newPairs [][2]string) *Selection {
	pairs := make(map[[2]string]struct{}, len(newPairs))
	for _, p := range newPairs {
		pairs[[2]string{strings.ToUpper(p[0]), strings.ToUpper(p[1])}] = struct{}{}
	}
	return &Selection{Makes: scheduled, Pairs: pairs}
}

// Result carries everything one source traversal produced.
type Result struct {
	Records []harvest.Record
	Stats   harvest.RunStats
}

// TraverserConfig bounds a traversal.
type TraverserConfig struct {
	// Workers sets the number of concurrent leaf fetches. Values below 2
	// keep the traversal fully sequential. Workers only overlap parsing
	// latency; the per-host pacing gate underneath still serializes the
	// actual requests.
	Workers int
}

// Traverser walks location, make, model depth-first for one yard source.
// A failing leaf is logged and skipped; only enumeration failures at the
// make level, which leave nothing to traverse, fail the source.
type Traverser struct {
	yard   *YardClient
	cfg    TraverserConfig
	logger *zap.Logger
}

// NewTraverser builds a Traverser over the given yard client.
func NewTraverser(yard *YardClient, cfg TraverserConfig, logger *zap.Logger) *Traverser {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Traverser{yard: yard, cfg: cfg, logger: logger}
}

type leaf struct {
	makeName  string
	modelName string
}

// Harvest traverses one source and returns every record found. sel nil
// requests full mode.
func (t *Traverser) Harvest(ctx context.Context, source harvest.Source, sel *Selection) (Result, error) {
	var result Result

	makes, err := t.yard.Makes(ctx, source.RemoteID)
	if err != nil {
		return result, fmt.Errorf("enumerate makes for %s: %w", source.Key, err)
	}

	var leaves []leaf
	for _, makeName := range makes {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		models, err := t.yard.Models(ctx, source.RemoteID, makeName)
		if err != nil {
			t.logger.Warn("model enumeration failed, skipping make",
				zap.String("source", source.Key),
				zap.String("make", makeName),
				zap.Error(err),
			)
			result.Stats.Observe(harvest.UnitOutcome{Status: harvest.UnitFailed, Unit: source.Key + "/" + makeName, Err: err})
			telemetry.ObserveUnit(string(harvest.UnitFailed))
			continue
		}
		for _, modelName := range models {
			if !sel.Admit(makeName, modelName) {
				continue
			}
			leaves = append(leaves, leaf{makeName: makeName, modelName: modelName})
		}
	}

	t.fetchLeaves(ctx, source, leaves, &result)
	telemetry.ObserveRecords(source.Key, len(result.Records))
	return result, ctx.Err()
}

// fetchLeaves runs the leaf queries, fanning out over the configured
// worker count. Records and stats are appended under one mutex.
func (t *Traverser) fetchLeaves(ctx context.Context, source harvest.Source, leaves []leaf, result *Result) {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan leaf)
	)

	workers := t.cfg.Workers
	if workers > len(leaves) && len(leaves) > 0 {
		workers = len(leaves)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l := range jobs {
				outcome, records := t.fetchLeaf(ctx, source, l)
				mu.Lock()
				result.Records = append(result.Records, records...)
				result.Stats.Observe(outcome)
				mu.Unlock()
				telemetry.ObserveUnit(string(outcome.Status))
			}
		}()
	}

	for _, l := range leaves {
		if ctx.Err() != nil {
			break
		}
		jobs <- l
	}
	close(jobs)
	wg.Wait()
}

func (t *Traverser) fetchLeaf(ctx context.Context, source harvest.Source, l leaf) (harvest.UnitOutcome, []harvest.Record) {
	unit := source.Key + "/" + l.makeName + "/" + l.modelName
	records, err := t.yard.Inventory(ctx, source.RemoteID, l.makeName, l.modelName)
	if err != nil {
		t.logger.Warn("leaf query failed, continuing",
			zap.String("unit", unit),
			zap.Error(err),
		)
		return harvest.UnitOutcome{Status: harvest.UnitFailed, Unit: unit, Err: err}, nil
	}
	if len(records) == 0 {
		return harvest.UnitOutcome{Status: harvest.UnitSkipped, Unit: unit}, nil
	}
	return harvest.UnitOutcome{Status: harvest.UnitOK, Unit: unit}, records
}

// HarvestSold runs the marketplace leaf queries for the given search
// terms, one completed-sales search per term, skip-and-continue.
func HarvestSold(ctx context.Context, market *MarketClient, source harvest.Source, terms []string, logger *zap.Logger) (Result, error) {
	var result Result
	for _, term := range terms {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		unit := source.Key + "/" + term
		records, err := market.SoldListings(ctx, term)
		if err != nil {
			logger.Warn("sold search failed, continuing",
				zap.String("unit", unit),
				zap.Error(err),
			)
			result.Stats.Observe(harvest.UnitOutcome{Status: harvest.UnitFailed, Unit: unit, Err: err})
			telemetry.ObserveUnit(string(harvest.UnitFailed))
			continue
		}
		status := harvest.UnitOK
		if len(records) == 0 {
			status = harvest.UnitSkipped
		}
		result.Records = append(result.Records, records...)
		result.Stats.Observe(harvest.UnitOutcome{Status: status, Unit: unit})
		telemetry.ObserveUnit(string(status))
	}
	telemetry.ObserveRecords(source.Key, len(result.Records))
	return result, nil
}
