// Package config loads the service configuration from yaml or json files
// with environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/ems/infra/influx"
	"github.com/kilianp07/ems/infra/mqtt"
	"github.com/kilianp07/ems/infra/prices"
	"github.com/kilianp07/ems/infra/telemetry"
)

// Config is the whole service configuration. Optional adapters are nil when
// their section is absent.
type Config struct {
	Simulation SimulationConfig  `json:"simulation"`
	System     SystemConfig      `json:"system"`
	Data       DataConfig        `json:"data"`
	Influx     *influx.Config    `json:"influx"`
	Prices     *prices.Config    `json:"prices"`
	Telemetry  *telemetry.Config `json:"telemetry"`
	MQTT       *mqtt.Config      `json:"mqtt"`
	Results    ResultsConfig     `json:"results"`
	Metrics    MetricsConfig     `json:"metrics"`
	Sentry     SentryConfig      `json:"sentry"`
	Logging    LoggingConfig     `json:"logging"`
}

// Load reads path, applies K_ prefixed environment overrides (K_A__B sets
// a.b), fills defaults and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults applies the defaults of every section.
func (c *Config) SetDefaults() {
	c.Simulation.SetDefaults()
	c.System.SetDefaults()
	c.Data.SetDefaults()
	if c.Influx != nil {
		c.Influx.SetDefaults()
	}
	if c.Prices != nil {
		c.Prices.SetDefaults()
	}
	if c.Telemetry != nil {
		c.Telemetry.SetDefaults()
	}
	if c.MQTT != nil {
		c.MQTT.SetDefaults()
	}
	c.Results.SetDefaults()
	c.Metrics.SetDefaults()
	c.Logging.SetDefaults()
}

type check struct {
	name string
	fn   func() error
}

// Validate checks every section and prefixes errors with its name.
func (c Config) Validate() error {
	checks := []check{
		{"simulation", c.Simulation.Validate},
		{"system", c.System.Validate},
		{"results", c.Results.Validate},
		{"metrics", c.Metrics.Validate},
		{"logging", c.Logging.Validate},
		{"sentry", c.Sentry.Validate},
	}
	if c.Influx != nil {
		checks = append(checks, check{"influx", c.Influx.Validate})
	}
	if c.Prices != nil {
		checks = append(checks, check{"prices", c.Prices.Validate})
	}
	if c.Telemetry != nil {
		checks = append(checks, check{"telemetry", c.Telemetry.Validate})
	}
	if c.MQTT != nil {
		checks = append(checks, check{"mqtt", c.MQTT.Validate})
	}
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			return fmt.Errorf("%s: %w", ch.name, err)
		}
	}
	return nil
}
