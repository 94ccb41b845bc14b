package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/timeutil"
)

const sample = `simulation:
  step: 15m
  location: Europe/Paris
  end:
    policy: prices_availability
  solver:
    timeout: 10s
    info_path: /tmp/ems
system:
  name: home
  loads:
    - name: house
      source:
        label: load_kwh
        training_span: 672
        gap: 1
  generators:
    - name: pv
      max_power_kw: 6
      source:
        label: pv_kwh
        training_span: 672
        forecaster:
          type: seasonal_mean
          conf:
            decay: 0.9
  battery:
    capacity_kwh: 10
    max_charge_kw: 5
    max_discharge_kw: 5
    charge_efficiency: 0.95
    discharge_efficiency: 0.95
    soc_min: 0.1
    soc_max: 0.9
    initial_soc_label: battery_soc
    terminal_soc: 0.5
  grid:
    max_power_kw: 9
    max_selling_kw: 3
    purchase_label: buy
    sell_label: sell
    prices_known_in_advance: true
    location: Europe/Paris
influx:
  url: http://localhost:8086
  org: home
  bucket: ha
  labels:
    load_kwh:
      measurement: kWh
      entity_id: house_energy
data:
  constants:
    sell: 0.06
results:
  sinks:
    - type: store
      conf:
        backend: sqlite
        path: results.db
    - type: csv
      conf:
        dir: out
`

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", sample))
	require.NoError(t, err)

	step, err := cfg.Simulation.ParsedStep()
	require.NoError(t, err)
	assert.Equal(t, timeutil.MustStep("15m"), step)
	assert.Equal(t, 15*time.Minute, cfg.Simulation.Every)
	assert.Equal(t, 10*time.Second, cfg.Simulation.Solver.Timeout)
	policy, err := cfg.Simulation.Policy()
	require.NoError(t, err)
	assert.Equal(t, "prices_availability", policy.String())

	assert.Equal(t, "home", cfg.System.Name)
	require.Len(t, cfg.System.Loads, 1)
	assert.Equal(t, "fix", cfg.System.Loads[0].Type)
	assert.Equal(t, 1, cfg.System.Loads[0].Source.Gap)
	require.Len(t, cfg.System.Generators, 1)
	assert.Equal(t, "stochastic", cfg.System.Generators[0].Type)
	assert.Equal(t, 0.9, cfg.System.Generators[0].Source.Forecaster.Conf["decay"])
	require.NotNil(t, cfg.System.Battery)
	assert.Equal(t, "battery", cfg.System.Battery.Name)
	require.NotNil(t, cfg.System.Grid)
	gp, err := cfg.System.Grid.Params()
	require.NoError(t, err)
	assert.Equal(t, 13, gp.PublicationTime.Hour)
	assert.Equal(t, time.Hour, gp.PriceStep)

	require.NotNil(t, cfg.Influx)
	assert.Equal(t, "value", cfg.Influx.Labels["load_kwh"].Field)
	assert.Nil(t, cfg.Prices)
	assert.Nil(t, cfg.MQTT)
	assert.Equal(t, 0.06, cfg.Data.Constants["sell"])
	require.Len(t, cfg.Results.Sinks, 2)
	assert.Equal(t, "sqlite", cfg.Results.Sinks[0].Conf["backend"])
	assert.Equal(t, ":2112", cfg.Metrics.PrometheusAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("K_SIMULATION__STEP", "30m")
	t.Setenv("K_LOGGING__LEVEL", "debug")
	cfg, err := Load(writeConfig(t, "config.yaml", sample))
	require.NoError(t, err)
	assert.Equal(t, "30m", cfg.Simulation.Step)
	assert.Equal(t, 30*time.Minute, cfg.Simulation.Every)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadJSON(t *testing.T) {
	data := `{"system":{"loads":[{"source":{"label":"l","training_span":24}}],
	"grid":{"max_power_kw":6,"purchase_label":"buy","prices_known_in_advance":true}}}`
	cfg, err := Load(writeConfig(t, "config.json", data))
	require.NoError(t, err)
	assert.Equal(t, "load0", cfg.System.Loads[0].Name)
	assert.Equal(t, "fixed(24h0m0s)", mustPolicy(t, cfg))
}

func mustPolicy(t *testing.T, cfg *Config) string {
	t.Helper()
	p, err := cfg.Simulation.Policy()
	require.NoError(t, err)
	return p.String()
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
	}{
		{"format", "config.toml", "a = 1"},
		{"step", "config.yaml", "simulation:\n  step: 7m\n" + sample[len("simulation:\n  step: 15m\n"):]},
		{"policy", "config.yaml", "simulation:\n  end:\n    policy: forever\nsystem:\n  loads:\n    - source: {label: l, training_span: 1}\n  grid: {max_power_kw: 1, purchase_label: b, prices_known_in_advance: true}\n"},
		{"no load", "config.yaml", "system:\n  grid: {max_power_kw: 1, purchase_label: b, prices_known_in_advance: true}\n"},
		{"no source", "config.yaml", "system:\n  loads:\n    - source: {label: l, training_span: 1}\n"},
		{"battery", "config.yaml", "system:\n  loads:\n    - source: {label: l, training_span: 1}\n  battery: {capacity_kwh: -1}\n"},
		{"influx", "config.yaml", "system:\n  loads:\n    - source: {label: l, training_span: 1}\n  grid: {max_power_kw: 1, purchase_label: b, prices_known_in_advance: true}\ninflux: {org: o}\n"},
		{"level", "config.yaml", "system:\n  loads:\n    - source: {label: l, training_span: 1}\n  grid: {max_power_kw: 1, purchase_label: b, prices_known_in_advance: true}\nlogging: {level: loud}\n"},
		{"sentry", "config.yaml", "system:\n  loads:\n    - source: {label: l, training_span: 1}\n  grid: {max_power_kw: 1, purchase_label: b, prices_known_in_advance: true}\nsentry: {traces_sample_rate: 2}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.data))
			assert.Error(t, err)
		})
	}
}
