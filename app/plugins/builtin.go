package plugins

import (
	"errors"

	"github.com/kilianp07/ems/core/factory"
	"github.com/kilianp07/ems/core/results"
	"github.com/kilianp07/ems/infra/export"
	"github.com/kilianp07/ems/infra/influx"
	"github.com/kilianp07/ems/infra/kpi"
	"github.com/kilianp07/ems/infra/metrics"
	"github.com/kilianp07/ems/infra/mqtt"
)

type dirConfig struct {
	Dir string `json:"dir"`
}

type storeConfig struct {
	Backend string `json:"backend"`
}

type kpiConfig struct {
	Path string `json:"path"`
}

func init() {
	RegisterSink("store", func(name string, conf map[string]any, _ Env) (results.Sink, error) {
		var c storeConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if c.Backend == "" {
			c.Backend = "sqlite"
		}
		store, err := results.NewStore(factory.ModuleConfig{Type: c.Backend, Conf: conf})
		if err != nil {
			return nil, err
		}
		return results.StoreSink{Store: store}, nil
	})
	RegisterSink("csv", func(name string, conf map[string]any, env Env) (results.Sink, error) {
		c := dirConfig{Dir: "."}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return export.NewCSVSink(c.Dir, env.Location), nil
	})
	RegisterSink("chart", func(name string, conf map[string]any, env Env) (results.Sink, error) {
		c := dirConfig{Dir: "."}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return export.NewChartSink(c.Dir, env.Location), nil
	})
	RegisterSink("influx", func(name string, _ map[string]any, env Env) (results.Sink, error) {
		if env.Influx == nil || env.Config.Influx == nil {
			return nil, errors.New("influx sink needs an influx section")
		}
		return influx.NewSink(env.Influx, *env.Config.Influx, env.Logger("influx")), nil
	})
	RegisterSink("mqtt", func(name string, _ map[string]any, env Env) (results.Sink, error) {
		if env.Config.MQTT == nil {
			return nil, errors.New("mqtt sink needs an mqtt section")
		}
		return mqtt.NewPublisher(*env.Config.MQTT, env.Logger("mqtt"), env.Monitor)
	})
	RegisterSink("prometheus", func(name string, _ map[string]any, env Env) (results.Sink, error) {
		return metrics.NewPromSinkWithRegistry(env.Registerer)
	})
	RegisterSink("kpi", func(name string, conf map[string]any, env Env) (results.Sink, error) {
		c := kpiConfig{Path: "kpi.db"}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return kpi.NewSQLiteStore(c.Path, env.Config.System.Name, env.Location)
	})
}
