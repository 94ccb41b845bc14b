package data

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/ems/core/timeutil"
)

// MemoryProvider serves series and points kept in memory. It backs the
// "static" data source and tests.
type MemoryProvider struct {
	Step time.Duration

	mu     sync.RWMutex
	series map[string]timeutil.Series
	points map[string]float64
}

// NewMemoryProvider returns a provider sampling its series every step.
func NewMemoryProvider(step time.Duration) *MemoryProvider {
	return &MemoryProvider{
		Step:   step,
		series: make(map[string]timeutil.Series),
		points: make(map[string]float64),
	}
}

// SetSeries stores s under label.
func (m *MemoryProvider) SetSeries(label string, s timeutil.Series) {
	m.mu.Lock()
	m.series[label] = s
	m.mu.Unlock()
}

// SetConstant stores a series with the same value at every instant.
func (m *MemoryProvider) SetConstant(label string, v float64) {
	m.SetSeries(label, timeutil.Series{Step: m.Step, Values: []float64{v}})
}

// SetPoint stores the latest value for label.
func (m *MemoryProvider) SetPoint(label string, v float64) {
	m.mu.Lock()
	m.points[label] = v
	m.mu.Unlock()
}

// Series samples every requested label on the provider grid over iv.
func (m *MemoryProvider) Series(ctx context.Context, labels []string, iv timeutil.Interval) (Table, error) {
	if err := ctx.Err(); err != nil {
		return Table{}, err
	}
	if m.Step <= 0 {
		return Table{}, fmt.Errorf("%w: memory provider has no step", ErrDataAccess)
	}
	var index []time.Time
	for t := iv.Start; t.Before(iv.End); t = t.Add(m.Step) {
		index = append(index, t)
	}
	out := NewTable(index)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range labels {
		s, ok := m.series[l]
		if !ok {
			return Table{}, fmt.Errorf("%w: unknown label %s", ErrDataAccess, l)
		}
		col := make([]float64, len(index))
		for i, t := range index {
			v, ok := sample(s, t)
			if !ok {
				return Table{}, fmt.Errorf("%w: %s has no data at %s", ErrDataAccess, l, t.Format(time.RFC3339))
			}
			col[i] = v
		}
		out.Columns[l] = col
	}
	return out, nil
}

// Point returns the stored value for label.
func (m *MemoryProvider) Point(ctx context.Context, label string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.points[label]
	if !ok {
		return 0, fmt.Errorf("%w: unknown label %s", ErrDataAccess, label)
	}
	return v, nil
}

// sample treats a series with a zero start as time invariant.
func sample(s timeutil.Series, t time.Time) (float64, bool) {
	if s.Start.IsZero() {
		if len(s.Values) == 0 {
			return 0, false
		}
		return s.Values[0], true
	}
	return s.At(t)
}
