// Package results persists and forwards dispatch results.
package results

import (
	"context"
	"time"

	"github.com/kilianp07/ems/core/optimizer"
)

// Status values of a Record.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record captures the outcome of one controller step.
type Record struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	End       time.Time `json:"end"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`

	Objective         float64   `json:"objective"`
	TargetSOC         *float64  `json:"target_soc,omitempty"`
	Load              []float64 `json:"load,omitempty"`
	Generation        []float64 `json:"generation,omitempty"`
	PowerSupplyFlow   []float64 `json:"power_supply_flow,omitempty"`
	BatteryEnergyFlow []float64 `json:"battery_energy_flow,omitempty"`
	SOC               []float64 `json:"soc,omitempty"`
}

// NewRecord summarises a validated result.
func NewRecord(r *optimizer.DispatchResult) Record {
	rec := Record{
		RunID:             r.RunID,
		Timestamp:         r.Interval.Start,
		End:               r.Interval.End,
		Step:              r.Step.String(),
		Status:            StatusCompleted,
		Objective:         r.Objective,
		Load:              r.Load,
		Generation:        r.Generation,
		PowerSupplyFlow:   r.PowerSupplyFlow,
		BatteryEnergyFlow: r.BatteryEnergyFlow,
		SOC:               r.SOC,
	}
	if r.HasBattery() {
		v := r.TargetSOC
		rec.TargetSOC = &v
	}
	return rec
}

// FailureRecord describes a step that did not complete.
func FailureRecord(runID string, at time.Time, err error) Record {
	return Record{RunID: runID, Timestamp: at, Status: StatusFailed, Error: err.Error()}
}

// Query defines filters for retrieving records. Zero fields match all.
type Query struct {
	Start  time.Time
	End    time.Time
	RunID  string
	Status string
}

func (q Query) match(r Record) bool {
	switch {
	case !q.Start.IsZero() && r.Timestamp.Before(q.Start):
		return false
	case !q.End.IsZero() && r.Timestamp.After(q.End):
		return false
	case q.RunID != "" && r.RunID != q.RunID:
		return false
	case q.Status != "" && r.Status != q.Status:
		return false
	}
	return true
}

// Store persists Records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Sink consumes validated dispatch results.
type Sink interface {
	Write(ctx context.Context, r *optimizer.DispatchResult) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r *optimizer.DispatchResult) error

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, r *optimizer.DispatchResult) error { return f(ctx, r) }

// StoreSink appends a Record for every result.
type StoreSink struct {
	Store Store
}

// Write implements Sink.
func (s StoreSink) Write(ctx context.Context, r *optimizer.DispatchResult) error {
	return s.Store.Append(ctx, NewRecord(r))
}

// WriteFailure records a step that did not complete.
func (s StoreSink) WriteFailure(ctx context.Context, runID string, at time.Time, err error) error {
	return s.Store.Append(ctx, FailureRecord(runID, at, err))
}

// Close closes the underlying store.
func (s StoreSink) Close() error { return s.Store.Close() }

// FailureWriter is implemented by sinks that also keep failed steps.
type FailureWriter interface {
	WriteFailure(ctx context.Context, runID string, at time.Time, err error) error
}
