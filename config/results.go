package config

import (
	"errors"

	"github.com/kilianp07/ems/core/factory"
)

// ResultsConfig lists the sinks every completed step is handed to.
type ResultsConfig struct {
	Sinks []factory.ModuleConfig `json:"sinks"`
}

// SetDefaults applies sane defaults.
func (c *ResultsConfig) SetDefaults() {}

// Validate checks that every sink names a type.
func (c ResultsConfig) Validate() error {
	for _, s := range c.Sinks {
		if s.Type == "" {
			return errors.New("result sink without type")
		}
	}
	return nil
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusAddr    string `json:"prometheus_addr"`
}

// SetDefaults applies sane defaults.
func (c *MetricsConfig) SetDefaults() {
	if c.PrometheusAddr == "" {
		c.PrometheusAddr = ":2112"
	}
}

// Validate checks mandatory fields.
func (c MetricsConfig) Validate() error { return nil }
