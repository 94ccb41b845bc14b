// Package influx reads system history from and writes dispatch results to
// InfluxDB 2.x.
package influx

import (
	"errors"
	"fmt"
	"time"
)

// SeriesConfig locates one label in the database.
type SeriesConfig struct {
	Measurement string `json:"measurement"`
	EntityID    string `json:"entity_id"`
	// Field defaults to "value".
	Field string `json:"field"`
	// Aggregate is the Flux function applied per window, "mean" by default.
	Aggregate string `json:"aggregate"`
}

// Config holds connection and mapping settings.
type Config struct {
	URL     string        `json:"url"`
	Token   string        `json:"token"`
	Org     string        `json:"org"`
	Bucket  string        `json:"bucket"`
	Timeout time.Duration `json:"timeout"`
	// Step is the resolution at which series are aggregated.
	Step time.Duration `json:"step"`
	// Lookback bounds the search for the latest point of a label.
	Lookback time.Duration           `json:"lookback"`
	Labels   map[string]SeriesConfig `json:"labels"`

	// SOCMeasurement and SOCEntityID address the target SOC point written
	// after every step. An empty entity disables it.
	SOCMeasurement string `json:"soc_measurement"`
	SOCEntityID    string `json:"soc_entity_id"`
	// DispatchMeasurement receives the per period plan. Empty disables it.
	DispatchMeasurement string `json:"dispatch_measurement"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Step <= 0 {
		c.Step = time.Hour
	}
	if c.Lookback <= 0 {
		c.Lookback = 30 * 24 * time.Hour
	}
	if c.SOCMeasurement == "" {
		c.SOCMeasurement = "%"
	}
	for k, s := range c.Labels {
		if s.Field == "" {
			s.Field = "value"
		}
		if s.Aggregate == "" {
			s.Aggregate = "mean"
		}
		c.Labels[k] = s
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("influx url is required")
	}
	if c.Org == "" || c.Bucket == "" {
		return errors.New("influx org and bucket are required")
	}
	for label, s := range c.Labels {
		if s.Measurement == "" || s.EntityID == "" {
			return fmt.Errorf("influx label %s: measurement and entity_id are required", label)
		}
	}
	return nil
}
