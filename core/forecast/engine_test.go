package forecast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/factory"
	"github.com/kilianp07/ems/core/timeutil"
)

func history(start time.Time, days int, f func(h int) float64) data.Table {
	var idx []time.Time
	var vals []float64
	for i := 0; i < days*24; i++ {
		idx = append(idx, start.Add(time.Duration(i)*time.Hour))
		vals = append(vals, f(i%24))
	}
	tbl := data.NewTable(idx)
	tbl.Columns["load"] = vals
	return tbl
}

func TestSeasonalMeanRepeatsDailyProfile(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	hist := history(start, 3, func(h int) float64 { return float64(h) })
	iv := timeutil.NewInterval(start.Add(72*time.Hour), start.Add(96*time.Hour))

	out, err := NewSeasonalMean().Forecast(context.Background(), iv, hist, "load", timeutil.MustStep("1h"))
	require.NoError(t, err)
	require.Len(t, out.Values, 24)
	for h, v := range out.Values {
		assert.InDelta(t, float64(h), v, 1e-9)
	}
}

func TestSeasonalMeanFallsBackToOverallMean(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	hist := history(start, 1, func(int) float64 { return 2 })
	iv := timeutil.NewInterval(start.Add(24*time.Hour+30*time.Minute), start.Add(25*time.Hour+30*time.Minute))

	out, err := NewSeasonalMean().Forecast(context.Background(), iv, hist, "load", timeutil.MustStep("30m"))
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, out.Values)
}

func TestSeasonalMeanErrors(t *testing.T) {
	iv := timeutil.NewInterval(time.Unix(0, 0), time.Unix(3600, 0))
	_, err := NewSeasonalMean().Forecast(context.Background(), iv, data.NewTable(nil), "load", timeutil.MustStep("1h"))
	assert.ErrorIs(t, err, data.ErrDataAccess)

	empty := data.NewTable(nil)
	empty.Columns["load"] = nil
	_, err = NewSeasonalMean().Forecast(context.Background(), iv, empty, "load", timeutil.MustStep("1h"))
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestMockProvider(t *testing.T) {
	iv := timeutil.NewInterval(time.Unix(0, 0), time.Unix(3*3600, 0))
	m := &MockProvider{Values: []float64{1, 2}}
	out, err := m.Forecast(context.Background(), iv, data.Table{}, "x", timeutil.MustStep("1h"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 1}, out.Values)
	assert.Equal(t, 1, m.Calls)
}

func TestNewFromConfig(t *testing.T) {
	p, err := New(factory.ModuleConfig{Conf: map[string]any{"season": "12h", "decay": 0.5}})
	require.NoError(t, err)
	sm, ok := p.(SeasonalMean)
	require.True(t, ok)
	assert.Equal(t, 12*time.Hour, sm.Season)
	assert.Equal(t, 0.5, sm.Decay)

	p, err = New(factory.ModuleConfig{Type: "mock", Conf: map[string]any{"values": []any{1.0, 2.0}}})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, p.(*MockProvider).Values)

	_, err = New(factory.ModuleConfig{Type: "prophet"})
	assert.ErrorIs(t, err, factory.ErrUnknownType)
}
