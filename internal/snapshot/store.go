// Package snapshot persists timestamped record sets as flat CSV files.
//
// Filenames embed the source key and a fixed-width capture timestamp, so
// "most recent" is a pure name sort with no content parsing. The
// timestamp is also parsed back independently for retention decisions.
package snapshot

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
	"github.com/carsandcollectibles/yardwatch/internal/telemetry"
)

// stampLayout is fixed-width so lexicographic filename order equals
// capture order.
const stampLayout = "2006-01-02_15-04-05"

var fileNamePattern = regexp.MustCompile(`^inventory_(.+)_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})\.csv$`)

// Store is a directory-backed harvest.SnapshotStore. Snapshots for
// different source keys are fully independent.
type Store struct {
	root   string
	clock  harvest.Clock
	logger *zap.Logger
}

// New builds a Store rooted at dir, creating it if needed.
func New(dir string, clock harvest.Clock, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	if clock == nil {
		clock = harvest.SystemClock{}
	}
	return &Store{root: dir, clock: clock, logger: logger}, nil
}

// Write persists an immutable snapshot for sourceKey. The write is
// all-or-nothing: the CSV is assembled in a temp file and renamed into
// place, so a crashed run never leaves a partial snapshot behind.
func (s *Store) Write(ctx context.Context, sourceKey string, columns []string, records []harvest.Record) (harvest.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Snapshot{}, fmt.Errorf("snapshot write canceled: %w", err)
	}
	capturedAt := s.clock.Now()
	name := fmt.Sprintf("inventory_%s_%s.csv", sourceKey, capturedAt.Format(stampLayout))
	target := filepath.Join(s.root, name)

	tmp, err := os.CreateTemp(s.root, name+".tmp-*")
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(columns); err != nil {
		tmp.Close()
		return harvest.Snapshot{}, fmt.Errorf("write snapshot header: %w", err)
	}
	row := make([]string, len(columns))
	for _, record := range records {
		for i, col := range columns {
			row[i] = record[col]
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return harvest.Snapshot{}, fmt.Errorf("write snapshot row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return harvest.Snapshot{}, fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return harvest.Snapshot{}, fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return harvest.Snapshot{}, fmt.Errorf("publish snapshot %s: %w", target, err)
	}

	telemetry.ObserveSnapshotWritten(sourceKey)
	s.logger.Info("snapshot written",
		zap.String("source", sourceKey),
		zap.String("file", name),
		zap.Int("records", len(records)),
	)
	return harvest.Snapshot{
		SourceKey:  sourceKey,
		CapturedAt: capturedAt,
		Columns:    columns,
		Records:    records,
	}, nil
}

// Latest returns up to n snapshots for sourceKey, newest first. Missing
// history returns fewer entries (including zero), never an error.
func (s *Store) Latest(ctx context.Context, sourceKey string, n int) ([]harvest.Snapshot, error) {
	names, err := s.sortedNames(sourceKey)
	if err != nil {
		return nil, err
	}
	if len(names) > n {
		names = names[:n]
	}
	snapshots := make([]harvest.Snapshot, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("snapshot read canceled: %w", err)
		}
		snap, err := s.load(sourceKey, name)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// Prune deletes all but the keep most recent snapshots for sourceKey and
// returns the number removed. The newest file is never a candidate, so
// the snapshot written earlier in the same run survives.
func (s *Store) Prune(_ context.Context, sourceKey string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	names, err := s.sortedNames(sourceKey)
	if err != nil {
		return 0, err
	}
	if len(names) <= keep {
		return 0, nil
	}
	removed := 0
	for _, name := range names[keep:] {
		if err := os.Remove(filepath.Join(s.root, name)); err != nil {
			s.logger.Warn("prune failed for snapshot",
				zap.String("source", sourceKey),
				zap.String("file", name),
				zap.Error(err),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

// sortedNames lists sourceKey's snapshot filenames newest first.
func (s *Store) sortedNames(sourceKey string) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan snapshot dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(entry.Name())
		if m == nil || m[1] != sourceKey {
			continue
		}
		names = append(names, entry.Name())
	}
	// Fixed-width timestamps sort lexicographically by capture time.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (s *Store) load(sourceKey, name string) (harvest.Snapshot, error) {
	m := fileNamePattern.FindStringSubmatch(name)
	capturedAt, err := time.ParseInLocation(stampLayout, m[2], time.Local)
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("parse snapshot timestamp %s: %w", name, err)
	}
	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("open snapshot %s: %w", name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("read snapshot %s: %w", name, err)
	}
	if len(rows) == 0 {
		return harvest.Snapshot{}, fmt.Errorf("snapshot %s has no header row", name)
	}
	columns := rows[0]
	records := make([]harvest.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(harvest.Record, len(columns))
		for i, col := range columns {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		records = append(records, record)
	}
	return harvest.Snapshot{
		SourceKey:  sourceKey,
		CapturedAt: capturedAt,
		Columns:    columns,
		Records:    records,
	}, nil
}
