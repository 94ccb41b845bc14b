package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/kilianp07/ems/core/optimizer"
)

// ChartSink renders one HTML page per step with the energy flows and the
// battery SOC.
type ChartSink struct {
	Dir      string
	Location *time.Location
}

// NewChartSink writes into dir with timestamps shown in loc.
func NewChartSink(dir string, loc *time.Location) *ChartSink {
	if loc == nil {
		loc = time.UTC
	}
	return &ChartSink{Dir: dir, Location: loc}
}

func lineData(values []float64) []opts.LineData {
	out := make([]opts.LineData, len(values))
	for i, v := range values {
		out[i] = opts.LineData{Value: v}
	}
	return out
}

// RenderChart writes the HTML page for r to w.
func RenderChart(w io.Writer, r *optimizer.DispatchResult, loc *time.Location) error {
	xAxis := make([]string, len(r.Timestamps))
	for i, ts := range r.Timestamps {
		xAxis[i] = ts.In(loc).Format("2006-01-02 15:04")
	}
	step := opts.Bool(true)

	flows := charts.NewLine()
	flows.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Energy flows", Subtitle: r.Interval.String()}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Date & Time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Energy (kWh)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	flows.SetXAxis(xAxis).
		AddSeries("Load", lineData(r.Load)).
		AddSeries("Generation", lineData(r.Generation)).
		AddSeries("Grid", lineData(r.PowerSupplyFlow)).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Step: step}))
	if r.HasBattery() {
		flows.AddSeries("Battery", lineData(r.BatteryEnergyFlow),
			charts.WithLineChartOpts(opts.LineChart{Step: step}))
	}

	page := components.NewPage()
	page.AddCharts(flows)
	if len(r.BuyPrices) > 0 {
		prices := charts.NewLine()
		prices.SetGlobalOptions(
			charts.WithTitleOpts(opts.Title{Title: "Prices"}),
			charts.WithYAxisOpts(opts.YAxis{Name: "Price (€/kWh)"}),
		)
		prices.SetXAxis(xAxis).AddSeries("Purchase", lineData(finite(r.BuyPrices)))
		page.AddCharts(prices)
	}
	if r.HasBattery() {
		soc := charts.NewLine()
		soc.SetGlobalOptions(
			charts.WithTitleOpts(opts.Title{Title: "State of charge"}),
			charts.WithYAxisOpts(opts.YAxis{Name: "SOC", Min: 0, Max: 1}),
		)
		soc.SetXAxis(xAxis).AddSeries("SOC", lineData(r.SOC[1:]))
		page.AddCharts(soc)
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}

// finite replaces the +Inf marking a disabled flow so that the chart stays
// readable.
func finite(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if v > 1e300 {
			v = 0
		}
		out[i] = v
	}
	return out
}

// Write implements results.Sink.
func (s *ChartSink) Write(_ context.Context, r *optimizer.DispatchResult) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.Dir, FileName(r)+".html")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := RenderChart(f, r, s.Location); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
