// Package diff computes added/removed/changed record sets between two
// snapshots of the same source.
package diff

import (
	"github.com/carsandcollectibles/yardwatch/internal/harvest"
)

// Compute diffs old against new using keyColumns as record identity.
//
// A key present only in new is added; only in old, removed. Keys present
// in both are changed when at least one of the old schema's non-key
// columns differs. A key-only schema therefore always yields an empty
// changed set: with no payload columns there is nothing to change beyond
// add/remove. Output order follows input order but callers must compare
// as sets.
func Compute(old, current harvest.Snapshot, keyColumns []string) harvest.Delta {
	oldByKey := index(old.Records, keyColumns)
	newByKey := index(current.Records, keyColumns)
	payload := payloadColumns(old.Columns, keyColumns)

	var delta harvest.Delta
	for _, record := range current.Records {
		key := record.Key(keyColumns)
		previous, existed := oldByKey[key]
		if !existed {
			delta.Added = append(delta.Added, record)
			continue
		}
		if len(payload) > 0 && !record.Equal(previous, payload) {
			delta.Changed = append(delta.Changed, record)
		}
	}
	for _, record := range old.Records {
		if _, exists := newByKey[record.Key(keyColumns)]; !exists {
			delta.Removed = append(delta.Removed, record)
		}
	}
	return delta
}

func index(records []harvest.Record, keyColumns []string) map[string]harvest.Record {
	byKey := make(map[string]harvest.Record, len(records))
	for _, record := range records {
		byKey[record.Key(keyColumns)] = record
	}
	return byKey
}

// payloadColumns returns the old schema's non-key columns.
func payloadColumns(columns, keyColumns []string) []string {
	keys := make(map[string]struct{}, len(keyColumns))
	for _, col := range keyColumns {
		keys[col] = struct{}{}
	}
	var payload []string
	for _, col := range columns {
		if _, isKey := keys[col]; !isKey {
			payload = append(payload, col)
		}
	}
	return payload
}
