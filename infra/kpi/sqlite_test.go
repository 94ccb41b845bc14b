package kpi

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/optimizer"
)

func step(at time.Time, buy, sell, price float64) *optimizer.DispatchResult {
	return &optimizer.DispatchResult{
		Timestamps: []time.Time{at, at.Add(time.Hour)},
		Buy:        []float64{buy, 9},
		Sell:       []float64{sell, 9},
		Charge:     []float64{1, 9},
		Discharge:  []float64{0, 9},
		BuyPrices:  []float64{price, 9},
		SellPrices: []float64{price / 2, 9},
	}
}

func TestSQLiteStoreAccumulatesFirstPeriods(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kpi.db"), "home", paris)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// 22:30 UTC on April 30th is already May 1st in Paris.
	require.NoError(t, s.Write(ctx, step(time.Date(2024, 4, 30, 22, 30, 0, 0, time.UTC), 2, 0, 0.2)))
	require.NoError(t, s.Write(ctx, step(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), 0, 1, 0.1)))
	require.NoError(t, s.Write(ctx, step(time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC), 1, 0, 0.3)))

	recs, err := s.Query(ctx, "home", time.Date(2024, 5, 1, 0, 0, 0, 0, paris), time.Date(2024, 5, 1, 0, 0, 0, 0, paris))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, 2, r.Steps)
	assert.InDelta(t, 2, r.ImportedKWh, 1e-9)
	assert.InDelta(t, 1, r.ExportedKWh, 1e-9)
	assert.InDelta(t, 2, r.ChargedKWh, 1e-9)
	assert.InDelta(t, 0.4-0.05, r.CostEUR, 1e-9)
	assert.True(t, r.Date.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, paris)), r.Date)

	all, err := s.Query(ctx, "home", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, all, 2)

	other, err := s.Query(ctx, "garage", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFirstPeriodWithoutGrid(t *testing.T) {
	r := &optimizer.DispatchResult{Timestamps: []time.Time{time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}}
	rec, ok := FirstPeriod("island", r, time.UTC)
	require.True(t, ok)
	assert.Zero(t, rec.ImportedKWh)
	assert.Zero(t, rec.CostEUR)

	noSell := step(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), 1, 0, 0.2)
	noSell.SellPrices[0] = math.Inf(1)
	rec, _ = FirstPeriod("home", noSell, time.UTC)
	assert.InDelta(t, 0.2, rec.CostEUR, 1e-9)

	_, ok = FirstPeriod("island", &optimizer.DispatchResult{}, time.UTC)
	assert.False(t, ok)
}
