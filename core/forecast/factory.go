package forecast

import (
	"time"

	"github.com/kilianp07/ems/core/factory"
)

// DefaultType is the forecaster built when a configuration names none.
const DefaultType = "seasonal_mean"

var registry = factory.NewRegistry[Provider]()

func init() {
	registry.MustRegister(DefaultType, func(conf map[string]any) (Provider, error) {
		var c struct {
			Season time.Duration `json:"season"`
			Decay  float64       `json:"decay"`
		}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		s := NewSeasonalMean()
		if c.Season > 0 {
			s.Season = c.Season
		}
		s.Decay = c.Decay
		return s, nil
	})
	registry.MustRegister("mock", func(conf map[string]any) (Provider, error) {
		var c struct {
			Values []float64 `json:"values"`
		}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return &MockProvider{Values: c.Values}, nil
	})
}

// Register adds a forecaster factory identified by name.
func Register(name string, f factory.Factory[Provider]) error {
	return registry.Register(name, f)
}

// New creates the forecaster described by cfg. An empty type selects
// DefaultType.
func New(cfg factory.ModuleConfig) (Provider, error) {
	if cfg.Type == "" {
		cfg.Type = DefaultType
	}
	return registry.Create(cfg)
}
