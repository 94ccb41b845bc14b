// Package app wires the configuration into a running dispatch service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kilianp07/ems/app/plugins"
	"github.com/kilianp07/ems/config"
	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/monitoring"
	"github.com/kilianp07/ems/core/optimizer"
	"github.com/kilianp07/ems/core/results"
	"github.com/kilianp07/ems/core/simulation"
	"github.com/kilianp07/ems/core/system"
	"github.com/kilianp07/ems/core/timeutil"
	"github.com/kilianp07/ems/infra/influx"
	inflogger "github.com/kilianp07/ems/infra/logger"
	"github.com/kilianp07/ems/infra/metrics"
	infmonitoring "github.com/kilianp07/ems/infra/monitoring"
	"github.com/kilianp07/ems/infra/prices"
	"github.com/kilianp07/ems/infra/solver"
	"github.com/kilianp07/ems/infra/telemetry"
	"github.com/kilianp07/ems/internal/eventbus"
)

// Service owns the system, the controller and every adapter built from the
// configuration.
type Service struct {
	cfg     *config.Config
	log     logger.Logger
	monitor monitoring.Monitor

	Router     *data.Router
	System     *system.Registry
	Controller *simulation.Controller

	events    *eventbus.Bus[simulation.StateEvent]
	sinks     []results.Sink
	influx    influxdb2.Client
	telemetry *telemetry.Manager
	prom      *metrics.PromSink
	gatherer  prometheus.Gatherer

	stopCollector context.CancelFunc
	collectorDone <-chan struct{}
}

// Option configures a Service.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	clock      func() time.Time
	monitor    monitoring.Monitor
}

// WithRegisterer registers the service metrics on reg instead of the
// default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock replaces the wall clock of the controller.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithMonitor replaces the monitor built from the sentry section.
func WithMonitor(m monitoring.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// New creates a Service from the configuration.
func New(cfg *config.Config, opts ...Option) (s *Service, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Logging.Path != "" {
		inflogger.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Logging.Path,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
		})
	}
	if err := inflogger.SetLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	s = &Service{cfg: cfg, log: inflogger.New("service"), monitor: o.monitor}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()
	if s.monitor == nil {
		if s.monitor, err = infmonitoring.NewSentryMonitor(cfg.Sentry); err != nil {
			return nil, fmt.Errorf("sentry: %w", err)
		}
	}

	if s.Router, err = s.buildRouter(); err != nil {
		return nil, err
	}
	if s.System, err = BuildSystem(cfg.System, s.Router, inflogger.New("system")); err != nil {
		return nil, fmt.Errorf("system: %w", err)
	}

	step, err := cfg.Simulation.ParsedStep()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Simulation.Policy()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Simulation.Loc()
	if err != nil {
		return nil, err
	}
	opt := optimizer.New(
		solver.New(cfg.Simulation.SolverOptions(), inflogger.New("solver")),
		cfg.Simulation.OptimizerConfig(),
		inflogger.New("optimizer"),
	)

	s.sinks, err = plugins.NewSinks(cfg.Results.Sinks, plugins.Env{
		Config:     cfg,
		Logger:     inflogger.New,
		Monitor:    s.monitor,
		Location:   loc,
		Influx:     s.influx,
		Registerer: o.registerer,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.PrometheusEnabled {
		if s.prom, err = s.promSink(o.registerer); err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
	}
	if g, ok := o.registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	}

	s.events = eventbus.New[simulation.StateEvent](0)
	s.Controller, err = simulation.New(
		simulation.Config{Step: step, End: policy, Location: loc, Clock: o.clock},
		s.System, opt,
		simulation.WithLogger(inflogger.New("controller")),
		simulation.WithMonitor(s.monitor),
		simulation.WithEvents(s.events),
		simulation.WithSinks(s.sinks...),
	)
	if err != nil {
		return nil, err
	}
	if s.prom != nil {
		var ctx context.Context
		ctx, s.stopCollector = context.WithCancel(context.Background())
		s.collectorDone = metrics.StartEventCollector(ctx, s.events, s.prom, inflogger.New("metrics"))
	}
	return s, nil
}

// promSink returns the configured prometheus sink, adding one to the sinks
// when none is configured.
func (s *Service) promSink(reg prometheus.Registerer) (*metrics.PromSink, error) {
	for _, sink := range s.sinks {
		if p, ok := sink.(*metrics.PromSink); ok {
			return p, nil
		}
	}
	p, err := metrics.NewPromSinkWithRegistry(reg)
	if err != nil {
		return nil, err
	}
	s.sinks = append(s.sinks, p)
	return p, nil
}

// buildRouter routes every configured label to its source. A label served
// by two sources is a configuration error.
func (s *Service) buildRouter() (*data.Router, error) {
	cfg := s.cfg
	r := data.NewRouter()
	if len(cfg.Data.Constants) > 0 {
		mem := data.NewMemoryProvider(cfg.Data.Step)
		labels := make([]string, 0, len(cfg.Data.Constants))
		for label, v := range cfg.Data.Constants {
			mem.SetConstant(label, v)
			mem.SetPoint(label, v)
			labels = append(labels, label)
		}
		if err := r.Route(mem, labels...); err != nil {
			return nil, err
		}
	}
	if cfg.Influx != nil {
		s.influx = influx.NewClient(*cfg.Influx)
		p := influx.NewProvider(s.influx, *cfg.Influx, inflogger.New("influx"))
		if err := r.Route(p, p.Labels()...); err != nil {
			return nil, err
		}
	}
	if cfg.Prices != nil {
		p := prices.New(*cfg.Prices, inflogger.New("prices"))
		if err := r.Route(p, p.Labels()...); err != nil {
			return nil, err
		}
	}
	if cfg.Telemetry != nil {
		if cfg.MQTT == nil {
			return nil, errors.New("telemetry needs an mqtt section")
		}
		m, err := telemetry.NewManager(*cfg.MQTT, *cfg.Telemetry, inflogger.New("telemetry"))
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		s.telemetry = m
		if err := r.Route(m, m.Labels()...); err != nil {
			return nil, err
		}
	}
	s.log.Infof("routing labels %v", r.Labels())
	return r, nil
}

// Step runs one controller step at now, the current time when zero.
func (s *Service) Step(ctx context.Context, now time.Time) (*optimizer.DispatchResult, error) {
	s.Controller.Clear()
	r, err := s.Controller.RunStep(ctx, now)
	if err != nil && s.Controller.State() == simulation.Failed {
		s.recordFailure(ctx, s.Controller.RunID(), now, err)
	}
	return r, err
}

// Rolling runs the controller over window, one step every every.
func (s *Service) Rolling(ctx context.Context, window timeutil.Interval, every time.Duration) ([]simulation.StepReport, error) {
	reports, err := s.Controller.RunRolling(ctx, window, every)
	for _, rep := range reports {
		if rep.State == simulation.Failed {
			s.recordFailure(ctx, rep.RunID, rep.At, rep.Err)
		}
	}
	return reports, err
}

func (s *Service) recordFailure(ctx context.Context, runID string, at time.Time, err error) {
	if at.IsZero() {
		at = time.Now()
	}
	for _, sink := range s.sinks {
		fw, ok := sink.(results.FailureWriter)
		if !ok {
			continue
		}
		if werr := fw.WriteFailure(ctx, runID, at.UTC(), err); werr != nil {
			s.log.Warnf("record failure: %v", werr)
		}
	}
}

// Run steps the controller every simulation.every until ctx is cancelled.
// The Prometheus endpoint is served meanwhile when enabled.
func (s *Service) Run(ctx context.Context) error {
	defer s.monitor.Recover()
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusAddr, s.gatherer, inflogger.New("metrics")); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	every := s.cfg.Simulation.Every
	s.log.Infof("dispatching every %s", every)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := s.Step(ctx, time.Time{}); err != nil {
			s.log.Errorf("step: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	var errs []error
	if s.stopCollector != nil {
		s.stopCollector()
		<-s.collectorDone
	}
	if s.events != nil {
		s.events.Close()
	}
	for _, sink := range s.sinks {
		if c, ok := sink.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	if s.telemetry != nil {
		s.telemetry.Close()
	}
	if s.influx != nil {
		s.influx.Close()
	}
	if s.monitor != nil {
		s.monitor.Flush(2 * time.Second)
	}
	return errors.Join(errs...)
}
