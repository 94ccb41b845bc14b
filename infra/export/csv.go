// Package export writes dispatch results to files for inspection.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kilianp07/ems/core/optimizer"
	"github.com/kilianp07/ems/core/timeutil"
)

// CSVSink writes one CSV file per step, indexed by local time.
type CSVSink struct {
	Dir      string
	Location *time.Location
}

// NewCSVSink writes into dir with timestamps shown in loc.
func NewCSVSink(dir string, loc *time.Location) *CSVSink {
	if loc == nil {
		loc = time.UTC
	}
	return &CSVSink{Dir: dir, Location: loc}
}

var csvHeader = []string{
	"time", "load", "generation_forecast", "generation", "buy", "sell",
	"power_supply_flow", "charge", "discharge", "battery_energy_flow",
	"soc", "buy_price", "sell_price",
}

// WriteCSV writes r to w. The soc column holds the state at the end of
// each period.
func WriteCSV(w io.Writer, r *optimizer.DispatchResult, loc *time.Location) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for t, ts := range r.Timestamps {
		soc := ""
		if r.HasBattery() {
			soc = num(r.SOC[t+1])
		}
		row := []string{
			timeutil.ToLocalString(ts, loc),
			num(r.Load[t]), num(r.GenerationForecast[t]), num(r.Generation[t]),
			num(r.Buy[t]), num(r.Sell[t]), num(r.PowerSupplyFlow[t]),
			num(r.Charge[t]), num(r.Discharge[t]), num(r.BatteryEnergyFlow[t]),
			soc, price(r.BuyPrices, t), price(r.SellPrices, t),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }

func price(p []float64, t int) string {
	if t >= len(p) {
		return ""
	}
	return strconv.FormatFloat(p[t], 'g', -1, 64)
}

// FileName returns the base name used for the outputs of r.
func FileName(r *optimizer.DispatchResult) string {
	return "dispatch_" + r.Interval.Start.UTC().Format("20060102T1504")
}

// Write implements results.Sink.
func (s *CSVSink) Write(_ context.Context, r *optimizer.DispatchResult) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.Dir, FileName(r)+".csv")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, r, s.Location); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
