package component

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/forecast"
	"github.com/kilianp07/ems/core/timeutil"
)

// GridParams are the static characteristics of a grid connection.
type GridParams struct {
	MaxPowerKW float64
	// MaxSellingKW limits injection. Zero disables selling.
	MaxSellingKW  float64
	PurchaseLabel string
	SellLabel     string
	// PriceStep is the native resolution of the price series.
	PriceStep       time.Duration
	PublicationTime timeutil.LocalClock
	Location        *time.Location
	// PricesKnownInAdvance selects a direct fetch over a forecast.
	PricesKnownInAdvance bool
	// TrainingSpan and Gap configure price forecasting, in price steps.
	TrainingSpan int
	Gap          int
}

// Validate checks the parameters.
func (p GridParams) Validate() error {
	switch {
	case p.MaxPowerKW <= 0:
		return errors.New("max power must be positive")
	case p.MaxSellingKW < 0 || p.MaxSellingKW > p.MaxPowerKW:
		return errors.New("max selling must be in [0, max power]")
	case p.PurchaseLabel == "":
		return errors.New("purchase price label is required")
	case p.MaxSellingKW > 0 && p.SellLabel == "":
		return errors.New("sell price label is required when selling is allowed")
	case p.PriceStep <= 0:
		return errors.New("price step must be positive")
	case !p.PricesKnownInAdvance && p.TrainingSpan <= 0:
		return errors.New("training span required when prices are forecast")
	}
	return nil
}

// ExternalGrid is the connection to the distribution network.
type ExternalGrid struct {
	Base
	GridParams
	Data  data.Provider
	Model forecast.Provider

	purchase []float64
	selling  []float64
}

// NewExternalGrid validates p. Model may be nil when prices are known in
// advance. A nil location means UTC.
func NewExternalGrid(name string, p GridParams, provider data.Provider, model forecast.Provider) (*ExternalGrid, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("grid %s: %w", name, err)
	}
	if provider == nil {
		return nil, fmt.Errorf("grid %s: data provider is required", name)
	}
	if !p.PricesKnownInAdvance && model == nil {
		return nil, fmt.Errorf("grid %s: forecast model required when prices are not known in advance", name)
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	return &ExternalGrid{Base: newBase(name, KindGrid, SubtypeNone), GridParams: p, Data: provider, Model: model}, nil
}

// SellingAllowed reports whether injection into the grid is permitted.
func (g *ExternalGrid) SellingAllowed() bool { return g.MaxSellingKW > 0 }

// MaxBuyEnergy is the energy that can be bought in one period.
func (g *ExternalGrid) MaxBuyEnergy(step timeutil.Step) float64 { return g.MaxPowerKW * step.Hours() }

// MaxSellEnergy is the energy that can be sold in one period.
func (g *ExternalGrid) MaxSellEnergy(step timeutil.Step) float64 {
	return g.MaxSellingKW * step.Hours()
}

// NextDayPricesPublished reports whether the prices of the next local day
// are already out at now.
func (g *ExternalGrid) NextDayPricesPublished(now time.Time) bool {
	return g.PublicationTime.Reached(now.In(g.Location))
}

// FetchPrices loads or forecasts purchase and selling prices on the system
// grid over iv. When selling is disabled the selling prices are +Inf.
func (g *ExternalGrid) FetchPrices(ctx context.Context, iv timeutil.Interval, step timeutil.Step) error {
	buy, err := g.prices(ctx, g.PurchaseLabel, iv, step)
	if err != nil {
		return err
	}
	n := len(buy)
	sell := make([]float64, n)
	if g.SellingAllowed() {
		if sell, err = g.prices(ctx, g.SellLabel, iv, step); err != nil {
			return err
		}
	} else {
		for i := range sell {
			sell[i] = math.Inf(1)
		}
	}
	g.purchase, g.selling = buy, sell
	return nil
}

func (g *ExternalGrid) prices(ctx context.Context, label string, iv timeutil.Interval, step timeutil.Step) ([]float64, error) {
	coarse := timeutil.NewInterval(iv.Start.Truncate(g.PriceStep), ceilTo(iv.End, g.PriceStep))
	var series timeutil.Series
	if g.PricesKnownInAdvance {
		tbl, err := g.Data.Series(ctx, []string{label}, coarse)
		if err != nil {
			return nil, fmt.Errorf("grid %s prices %s: %w", g.Name(), label, err)
		}
		if series, err = tbl.Series(label, g.PriceStep); err != nil {
			return nil, err
		}
	} else {
		priceStep, err := timeutil.NewStep(int(g.PriceStep/time.Second), timeutil.Seconds)
		if err != nil {
			return nil, err
		}
		src := Source{HistoricalLabel: label, TrainingSpan: g.TrainingSpan, Gap: g.Gap, Data: g.Data, Model: g.Model}
		hist, err := g.Data.Series(ctx, []string{label}, src.HistoricalInterval(coarse.Start, priceStep))
		if err != nil {
			return nil, fmt.Errorf("grid %s price history %s: %w", g.Name(), label, err)
		}
		if series, err = g.Model.Forecast(ctx, coarse, hist, label, priceStep); err != nil {
			return nil, fmt.Errorf("grid %s price forecast %s: %w", g.Name(), label, err)
		}
	}
	if len(series.Values) == 0 {
		return nil, fmt.Errorf("%w: grid %s has no prices for %s", data.ErrDataAccess, g.Name(), label)
	}
	fine, err := timeutil.Upsample(series, step.Duration(), iv, false)
	if err != nil {
		return nil, err
	}
	if n := timeutil.Periods(iv, step); len(fine.Values) != n {
		return nil, fmt.Errorf("%w: grid %s got %d prices for %s, want %d", data.ErrDataAccess, g.Name(), len(fine.Values), label, n)
	}
	return fine.Values, nil
}

func ceilTo(t time.Time, d time.Duration) time.Time {
	tr := t.Truncate(d)
	if tr.Equal(t) {
		return t
	}
	return tr.Add(d)
}

// PurchasePrices returns the prices of the current step.
func (g *ExternalGrid) PurchasePrices() []float64 { return g.purchase }

// SellingPrices returns the prices of the current step.
func (g *ExternalGrid) SellingPrices() []float64 { return g.selling }

// Clear implements Component.
func (g *ExternalGrid) Clear() { g.purchase, g.selling = nil, nil }
