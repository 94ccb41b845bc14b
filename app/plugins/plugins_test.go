package plugins

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/config"
	"github.com/kilianp07/ems/core/factory"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/results"
	"github.com/kilianp07/ems/infra/export"
	"github.com/kilianp07/ems/infra/kpi"
	"github.com/kilianp07/ems/infra/metrics"
)

func testEnv() Env {
	cfg := &config.Config{}
	cfg.System.Name = "home"
	return Env{
		Config:     cfg,
		Logger:     func(string) logger.Logger { return logger.Nop() },
		Location:   time.UTC,
		Registerer: prometheus.NewRegistry(),
	}
}

func TestBuiltinSinks(t *testing.T) {
	dir := t.TempDir()
	sinks, err := NewSinks([]factory.ModuleConfig{
		{Type: "store", Conf: map[string]any{"backend": "jsonl", "path": filepath.Join(dir, "r.jsonl")}},
		{Type: "store", Conf: map[string]any{"path": filepath.Join(dir, "r.db")}},
		{Type: "csv", Conf: map[string]any{"dir": dir}},
		{Type: "chart"},
		{Type: "prometheus"},
		{Type: "kpi", Conf: map[string]any{"path": filepath.Join(dir, "kpi.db")}},
	}, testEnv())
	require.NoError(t, err)
	require.Len(t, sinks, 6)

	assert.IsType(t, results.StoreSink{}, sinks[0])
	assert.IsType(t, &export.CSVSink{}, sinks[2])
	assert.Equal(t, ".", sinks[3].(*export.ChartSink).Dir)
	assert.IsType(t, &metrics.PromSink{}, sinks[4])
	assert.IsType(t, &kpi.SQLiteStore{}, sinks[5])
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			assert.NoError(t, c.Close())
		}
	}
}

func TestSinkErrors(t *testing.T) {
	_, err := NewSinks([]factory.ModuleConfig{{Type: "webhook"}}, testEnv())
	assert.ErrorIs(t, err, factory.ErrUnknownType)

	for _, typ := range []string{"influx", "mqtt"} {
		_, err := NewSinks([]factory.ModuleConfig{{Type: typ}}, testEnv())
		assert.Error(t, err, typ)
	}

	built, err := NewSinks([]factory.ModuleConfig{
		{Type: "csv"},
		{Type: "store", Conf: map[string]any{"backend": "parquet"}},
	}, testEnv())
	assert.ErrorIs(t, err, factory.ErrUnknownType)
	assert.Len(t, built, 1)
}

func TestSinkTypes(t *testing.T) {
	assert.Equal(t, []string{"chart", "csv", "influx", "kpi", "mqtt", "prometheus", "store"}, SinkTypes())
}
