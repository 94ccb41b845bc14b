package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/timeutil"
)

type failingProvider struct{}

func (failingProvider) Series(context.Context, []string, timeutil.Interval) (Table, error) {
	return Table{}, errors.New("boom")
}

func (failingProvider) Point(context.Context, string) (float64, error) { return 0, errors.New("boom") }

func TestMemoryProvider(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryProvider(time.Hour)
	m.SetSeries("load", timeutil.Series{Start: start, Step: time.Hour, Values: []float64{1, 2, 3}})
	m.SetConstant("price", 0.1)
	m.SetPoint("soc", 0.5)

	tbl, err := m.Series(context.Background(), []string{"load", "price"}, timeutil.NewInterval(start, start.Add(4*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 4, tbl.Len())
	assert.Equal(t, []float64{1, 2, 3, 3}, tbl.Columns["load"])
	assert.Equal(t, []float64{0.1, 0.1, 0.1, 0.1}, tbl.Columns["price"])

	v, err := m.Point(context.Background(), "soc")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	_, err = m.Point(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDataAccess)
	_, err = m.Series(context.Background(), []string{"missing"}, timeutil.NewInterval(start, start.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrDataAccess)
	_, err = m.Series(context.Background(), []string{"load"}, timeutil.NewInterval(start.Add(-time.Hour), start))
	assert.ErrorIs(t, err, ErrDataAccess)
}

func TestRouter(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewMemoryProvider(time.Hour)
	a.SetConstant("load", 2)
	b := NewMemoryProvider(time.Hour)
	b.SetConstant("pv", 1)
	b.SetPoint("soc", 0.7)

	r := NewRouter()
	require.NoError(t, r.Route(a, "load"))
	require.NoError(t, r.Route(b, "pv", "soc"))
	assert.Error(t, r.Route(b, "load"))
	assert.Equal(t, []string{"load", "pv", "soc"}, r.Labels())

	tbl, err := r.Series(context.Background(), []string{"load", "pv"}, timeutil.NewInterval(start, start.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, tbl.Columns["load"])
	assert.Equal(t, []float64{1, 1}, tbl.Columns["pv"])

	v, err := r.Point(context.Background(), "soc")
	require.NoError(t, err)
	assert.Equal(t, 0.7, v)

	_, err = r.Point(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrDataAccess)

	require.NoError(t, r.Route(&failing{}, "broken"))
	_, err = r.Series(context.Background(), []string{"broken"}, timeutil.NewInterval(start, start.Add(time.Hour)))
	assert.Error(t, err)
}

type failing struct{ failingProvider }
