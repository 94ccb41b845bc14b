package export

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/optimizer"
	"github.com/kilianp07/ems/core/timeutil"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func result(withBattery bool) *optimizer.DispatchResult {
	r := &optimizer.DispatchResult{
		Interval:           timeutil.NewInterval(t0, t0.Add(2*time.Hour)),
		Step:               timeutil.MustStep("1h"),
		Timestamps:         []time.Time{t0, t0.Add(time.Hour)},
		Load:               []float64{1, 1},
		GenerationForecast: []float64{0.5, 0},
		Generation:         []float64{0.5, 0},
		Buy:                []float64{1.5, 0},
		Sell:               []float64{0, 0},
		Charge:             []float64{1, 0},
		Discharge:          []float64{0, 1},
		PowerSupplyFlow:    []float64{1.5, 0},
		BatteryEnergyFlow:  []float64{-1, 1},
		BuyPrices:          []float64{0.1, 0.3},
		SellPrices:         []float64{math.Inf(1), math.Inf(1)},
	}
	if withBattery {
		r.SOC = []float64{0.5, 0.6, 0.5}
		r.TargetSOC = 0.6
		r.Battery = &optimizer.BatteryState{Name: "battery", CapacityKWh: 10}
	}
	return r
}

func TestCSVSinkUsesLocalTime(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	dir := t.TempDir()
	s := NewCSVSink(dir, paris)
	require.NoError(t, s.Write(context.Background(), result(true)))

	f, err := os.Open(filepath.Join(dir, "dispatch_20240501T1000.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "2024-05-01 12:00:00 CEST", rows[1][0])
	assert.Equal(t, "0.6000", rows[1][10])
	assert.Equal(t, "0.1", rows[1][11])
	assert.Equal(t, "+Inf", rows[1][12])
	assert.Equal(t, "-1.0000", rows[1][9])
}

func TestWriteCSVWithoutBattery(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteCSV(&b, result(false), time.UTC))
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	require.Len(t, lines, 3)
	cols := strings.Split(lines[1], ",")
	assert.Equal(t, "", cols[10])
}

func TestChartSink(t *testing.T) {
	dir := t.TempDir()
	s := NewChartSink(filepath.Join(dir, "charts"), nil)
	require.NoError(t, s.Write(context.Background(), result(true)))
	page, err := os.ReadFile(filepath.Join(dir, "charts", "dispatch_20240501T1000.html"))
	require.NoError(t, err)
	html := string(page)
	assert.Contains(t, html, "Energy flows")
	assert.Contains(t, html, "State of charge")
	assert.Contains(t, html, "2024-05-01 10:00")

	var b strings.Builder
	require.NoError(t, RenderChart(&b, result(false), time.UTC))
	assert.NotContains(t, b.String(), "State of charge")
}

func TestFinite(t *testing.T) {
	assert.Equal(t, []float64{0.1, 0}, finite([]float64{0.1, math.Inf(1)}))
}
