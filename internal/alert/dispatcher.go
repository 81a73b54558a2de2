// Package alert matches change sets against subscriptions and delivers
// notifications.
package alert

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
	"github.com/carsandcollectibles/yardwatch/internal/subscription"
	"github.com/carsandcollectibles/yardwatch/internal/telemetry"
)

// State classifies the single notification composed per (source,
// subscription) pair each run.
type State string

// Notification states.
const (
	StateNoChanges State = "no_changes"
	StateNoMatch   State = "no_match"
	StateMatch     State = "match"
)

// SourceDelta pairs one source with its computed delta for the run.
type SourceDelta struct {
	SourceKey string
	Delta     harvest.Delta
}

// Config controls dispatch behavior.
type Config struct {
	// From is the sender address on every notification.
	From string
	// Strict aborts the run on a delivery failure instead of moving on
	// to the next subscription.
	Strict bool
}

// Dispatcher sends one notification per (source, subscription) pair.
type Dispatcher struct {
	notifier harvest.Notifier
	cfg      Config
	logger   *zap.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(notifier harvest.Notifier, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{notifier: notifier, cfg: cfg, logger: logger}
}

// Dispatch walks every (source, subscription) pair whose location filter
// admits the source, composes exactly one notification, and sends it.
// Delivery is fire-and-forget per recipient unless Strict is set.
func (d *Dispatcher) Dispatch(ctx context.Context, deltas []SourceDelta, subs []subscription.Subscription) (harvest.RunStats, error) {
	var stats harvest.RunStats
	for _, sd := range deltas {
		for _, sub := range subs {
			if !sub.AppliesTo(sd.SourceKey) {
				continue
			}
			outcome, err := d.notify(ctx, sd, sub)
			stats.Observe(outcome)
			telemetry.ObserveUnit(string(outcome.Status))
			if err != nil && d.cfg.Strict {
				return stats, fmt.Errorf("strict delivery: %w", err)
			}
		}
	}
	return stats, nil
}

func (d *Dispatcher) notify(ctx context.Context, sd SourceDelta, sub subscription.Subscription) (harvest.UnitOutcome, error) {
	unit := fmt.Sprintf("%s->%s", sd.SourceKey, sub.Email)

	matched := filterDelta(sd.Delta, sub)
	state := StateMatch
	switch {
	case sd.Delta.Empty():
		state = StateNoChanges
	case matched.Empty():
		state = StateNoMatch
	}

	msg := harvest.Message{
		From:    d.cfg.From,
		To:      sub.Email,
		Subject: subjectFor(state, sd.SourceKey, matched),
		HTML:    bodyFor(state, sd.SourceKey, matched),
	}
	if err := d.notifier.Send(ctx, msg); err != nil {
		d.logger.Error("notification delivery failed",
			zap.String("source", sd.SourceKey),
			zap.String("to", sub.Email),
			zap.Error(err),
		)
		return harvest.UnitOutcome{Status: harvest.UnitFailed, Unit: unit, Err: err}, err
	}

	telemetry.ObserveAlert(string(state))
	d.logger.Info("notification sent",
		zap.String("source", sd.SourceKey),
		zap.String("to", sub.Email),
		zap.String("state", string(state)),
	)
	return harvest.UnitOutcome{Status: harvest.UnitOK, Unit: unit}, nil
}

// filterDelta applies the subscription's (year, make, model) predicate to
// each of the three change sets.
func filterDelta(delta harvest.Delta, sub subscription.Subscription) harvest.Delta {
	return harvest.Delta{
		Added:   filterRecords(delta.Added, sub),
		Removed: filterRecords(delta.Removed, sub),
		Changed: filterRecords(delta.Changed, sub),
	}
}

func filterRecords(records []harvest.Record, sub subscription.Subscription) []harvest.Record {
	var out []harvest.Record
	for _, r := range records {
		if sub.MatchesRecord(r) {
			out = append(out, r)
		}
	}
	return out
}
