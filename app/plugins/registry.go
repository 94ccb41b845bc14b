package plugins

import (
	"fmt"
	"sort"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/ems/config"
	"github.com/kilianp07/ems/core/factory"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/monitoring"
	"github.com/kilianp07/ems/core/results"
)

// Env carries the shared dependencies handed to sink factories.
type Env struct {
	Config   *config.Config
	Logger   func(component string) logger.Logger
	Monitor  monitoring.Monitor
	Location *time.Location
	// Influx is nil unless an influx section is configured.
	Influx     influxdb2.Client
	Registerer prometheus.Registerer
}

// SinkFactory builds a result sink from a raw configuration map.
type SinkFactory func(name string, conf map[string]any, env Env) (results.Sink, error)

var Sinks = map[string]SinkFactory{}

func RegisterSink(name string, f SinkFactory) { Sinks[name] = f }

// SinkTypes lists the registered sink types in order.
func SinkTypes() []string {
	names := make([]string, 0, len(Sinks))
	for n := range Sinks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewSinks builds the configured sinks in order. Sinks already built are
// returned along with the error so that the caller can close them.
func NewSinks(cfgs []factory.ModuleConfig, env Env) ([]results.Sink, error) {
	var out []results.Sink
	for i, c := range cfgs {
		f, ok := Sinks[c.Type]
		if !ok {
			return out, fmt.Errorf("result sink %d: %w %q", i, factory.ErrUnknownType, c.Type)
		}
		s, err := f(c.Type, c.Conf, env)
		if err != nil {
			return out, fmt.Errorf("result sink %s: %w", c.Type, err)
		}
		out = append(out, s)
	}
	return out, nil
}
