package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/ems/core/timeutil"
)

// ErrDataAccess is returned for unknown labels and failing upstream sources.
var ErrDataAccess = errors.New("data access error")

// Provider retrieves historical series and latest values by label.
type Provider interface {
	// Series returns one column per label covering iv.
	Series(ctx context.Context, labels []string, iv timeutil.Interval) (Table, error)
	// Point returns the latest value recorded for label.
	Point(ctx context.Context, label string) (float64, error)
}

// Table is a set of equally indexed columns.
type Table struct {
	Index   []time.Time
	Columns map[string][]float64
}

// NewTable returns an empty table for the given index.
func NewTable(index []time.Time) Table {
	return Table{Index: index, Columns: make(map[string][]float64)}
}

// Column returns the values of label or an ErrDataAccess error.
func (t Table) Column(label string) ([]float64, error) {
	c, ok := t.Columns[label]
	if !ok {
		return nil, fmt.Errorf("%w: column %s not in table", ErrDataAccess, label)
	}
	return c, nil
}

// Series converts a column into a regular series using step.
func (t Table) Series(label string, step time.Duration) (timeutil.Series, error) {
	c, err := t.Column(label)
	if err != nil {
		return timeutil.Series{}, err
	}
	var start time.Time
	if len(t.Index) > 0 {
		start = t.Index[0]
	}
	return timeutil.Series{Start: start, Step: step, Values: c}, nil
}

// Len returns the number of rows.
func (t Table) Len() int { return len(t.Index) }
