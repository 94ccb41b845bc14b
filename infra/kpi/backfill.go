package kpi

import (
	"context"

	"github.com/kilianp07/ems/core/results"
)

// FromRecord extracts the committed first period of a stored result.
// Records carry signed flows only, so the cost stays zero.
func FromRecord(system string, rec results.Record) (Record, bool) {
	if rec.Status != results.StatusCompleted || len(rec.Load) == 0 {
		return Record{}, false
	}
	out := Record{System: system, Date: rec.Timestamp, Steps: 1}
	if len(rec.PowerSupplyFlow) > 0 {
		if f := rec.PowerSupplyFlow[0]; f >= 0 {
			out.ImportedKWh = f
		} else {
			out.ExportedKWh = -f
		}
	}
	if len(rec.BatteryEnergyFlow) > 0 {
		if f := rec.BatteryEnergyFlow[0]; f >= 0 {
			out.DischargedKWh = f
		} else {
			out.ChargedKWh = -f
		}
	}
	return out, true
}

// Backfill adds the completed records of history to store and returns how
// many were added.
func Backfill(ctx context.Context, store *SQLiteStore, history []results.Record) (int, error) {
	n := 0
	for _, h := range history {
		rec, ok := FromRecord(store.system, h)
		if !ok {
			continue
		}
		if err := store.Add(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
