// Package simulation runs the dispatch optimizer over a rolling horizon.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/ems/core/component"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/monitoring"
	"github.com/kilianp07/ems/core/optimizer"
	"github.com/kilianp07/ems/core/results"
	"github.com/kilianp07/ems/core/system"
	"github.com/kilianp07/ems/core/timeutil"
	"github.com/kilianp07/ems/internal/eventbus"
)

var (
	// ErrState is returned when a step is started before Clear.
	ErrState = errors.New("controller state error")
	// ErrSink is returned when a result could not be handed to a sink.
	ErrSink = errors.New("result sink error")
)

// Config holds the static parameters of a Controller.
type Config struct {
	Step timeutil.Step
	End  EndPolicy
	// Location is the local zone of midnight based policies. Nil means UTC.
	Location *time.Location
	// Clock supplies the current time when RunStep gets a zero now.
	Clock func() time.Time
}

// Controller drives one registry and one optimizer through the phases of a
// step. It is not safe for concurrent use.
type Controller struct {
	cfg     Config
	reg     *system.Registry
	opt     *optimizer.Optimizer
	log     logger.Logger
	monitor monitoring.Monitor
	events  *eventbus.Bus[StateEvent]
	sinks   []results.Sink

	state    State
	runID    string
	rolling  string
	interval timeutil.Interval
	result   *optimizer.DispatchResult
	err      error
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(c *Controller) { c.log = l } }

// WithMonitor reports failed steps to m.
func WithMonitor(m monitoring.Monitor) Option { return func(c *Controller) { c.monitor = m } }

// WithEvents publishes state transitions on bus.
func WithEvents(bus *eventbus.Bus[StateEvent]) Option { return func(c *Controller) { c.events = bus } }

// WithSinks hands every completed result to sinks, in order.
func WithSinks(sinks ...results.Sink) Option {
	return func(c *Controller) { c.sinks = append(c.sinks, sinks...) }
}

// New validates the step once and returns an idle controller.
func New(cfg Config, reg *system.Registry, opt *optimizer.Optimizer, opts ...Option) (*Controller, error) {
	if err := cfg.Step.Validate(); err != nil {
		return nil, err
	}
	if reg == nil || opt == nil {
		return nil, fmt.Errorf("%w: controller needs a system and an optimizer", timeutil.ErrConfiguration)
	}
	if cfg.End == nil {
		return nil, fmt.Errorf("%w: no end policy", timeutil.ErrConfiguration)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	c := &Controller{cfg: cfg, reg: reg, opt: opt}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logger.Nop()
	}
	c.monitor = monitoring.OrNop(c.monitor)
	return c, nil
}

// State returns the phase reached by the current step.
func (c *Controller) State() State { return c.state }

// Interval returns the planning interval of the current step.
func (c *Controller) Interval() timeutil.Interval { return c.interval }

// Result returns the result of the current step, nil unless it validated.
func (c *Controller) Result() *optimizer.DispatchResult { return c.result }

// RunID returns the identifier of the current step, shared by all steps of
// a rolling run.
func (c *Controller) RunID() string { return c.runID }

// Err returns the error that failed the current step.
func (c *Controller) Err() error { return c.err }

// ResolveInterval computes the planning interval starting at the first step
// boundary at or after now.
func (c *Controller) ResolveInterval(now time.Time) (timeutil.Interval, error) {
	now = now.UTC()
	start := timeutil.NextStepBoundary(now, c.cfg.Step)
	end, err := c.cfg.End.ResolveEnd(now, start, c.cfg.Location, c.reg)
	if err != nil {
		return timeutil.Interval{}, err
	}
	iv := timeutil.NewInterval(start, end)
	if timeutil.Periods(iv, c.cfg.Step) == 0 {
		return timeutil.Interval{}, fmt.Errorf("%w: %s resolves empty interval %s", timeutil.ErrConfiguration, c.cfg.End, iv)
	}
	return iv, nil
}

// RunStep resolves the interval at now, prepares the system, then builds,
// solves, extracts and validates the dispatch. A zero now uses the
// configured clock. The controller must be idle. Sink failures leave the
// step completed and are returned wrapped in ErrSink along with the result.
func (c *Controller) RunStep(ctx context.Context, now time.Time) (*optimizer.DispatchResult, error) {
	if c.state != Idle {
		return nil, fmt.Errorf("%w: step already %s, clear first", ErrState, c.state)
	}
	if now.IsZero() {
		now = c.cfg.Clock()
	}
	c.runID = c.rolling
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	log := c.log.With(map[string]any{"run_id": c.runID})

	iv, err := c.ResolveInterval(now)
	if err != nil {
		return nil, c.fail(err)
	}
	c.interval = iv
	c.transition(IntervalResolved, nil)
	log.Infof("step at %s plans %s (%d periods)", now.UTC().Format(time.RFC3339), iv, timeutil.Periods(iv, c.cfg.Step))

	if err := c.reg.Prepare(ctx, iv, c.cfg.Step, now); err != nil {
		return nil, c.fail(err)
	}
	c.transition(Forecasted, nil)

	m, err := c.opt.Build(c.reg, optimizer.Inputs{Interval: iv, Step: c.cfg.Step})
	if err != nil {
		return nil, c.fail(err)
	}
	sol, err := c.opt.Solve(ctx, m)
	if err != nil {
		return nil, c.fail(err)
	}
	c.transition(Optimized, nil)

	r, err := c.opt.Extract(m, sol)
	if err != nil {
		return nil, c.fail(err)
	}
	if err := c.opt.Validate(r); err != nil {
		return nil, c.fail(err)
	}
	r.RunID = c.runID
	c.opt.Commit(m, r)
	c.result = r
	c.transition(Validated, nil)

	var sinkErrs []error
	for _, s := range c.sinks {
		if err := s.Write(ctx, r); err != nil {
			log.Warnf("result sink: %v", err)
			sinkErrs = append(sinkErrs, err)
		}
	}
	c.transition(Completed, nil)
	stepsTotal.WithLabelValues(Completed.String()).Inc()
	if len(sinkErrs) > 0 {
		return r, fmt.Errorf("%w: %w", ErrSink, errors.Join(sinkErrs...))
	}
	return r, nil
}

func (c *Controller) fail(err error) error {
	c.err = err
	c.transition(Failed, err)
	stepsTotal.WithLabelValues(Failed.String()).Inc()
	c.log.Errorf("step %s failed: %v", c.runID, err)
	c.monitor.CaptureException(err, map[string]string{
		"run_id":   c.runID,
		"interval": c.interval.String(),
		"system":   c.reg.Name(),
	})
	return err
}

func (c *Controller) transition(to State, err error) {
	from := c.state
	c.state = to
	currentState.Set(float64(to))
	c.log.Debugw("controller transition", map[string]any{"run_id": c.runID, "from": from.String(), "to": to.String()})
	if c.events != nil {
		c.events.Publish(StateEvent{RunID: c.runID, Interval: c.interval, From: from, To: to, At: time.Now().UTC(), Err: err})
	}
}

// Clear resets the controller, the optimizer and the transient state of the
// system so that the next step starts from nothing.
func (c *Controller) Clear() {
	c.reg.Clear()
	c.opt.Clear()
	c.state, c.interval, c.result, c.err = Idle, timeutil.Interval{}, nil, nil
	currentState.Set(float64(Idle))
}

// StepReport is the outcome of one step of a rolling run.
type StepReport struct {
	RunID    string
	At       time.Time
	Interval timeutil.Interval
	State    State
	Result   *optimizer.DispatchResult
	Err      error
}

// fatal reports whether err makes every later step fail the same way.
func fatal(err error) bool {
	return errors.Is(err, timeutil.ErrConfiguration) ||
		errors.Is(err, system.ErrComposition) ||
		errors.Is(err, component.ErrNotSupported)
}

// RunRolling runs one step at every multiple of every from window.Start up
// to window.End inclusive, clearing before each step. Configuration and
// composition errors stop the run. Other failures are recorded in the
// step's report and joined into the returned error.
func (c *Controller) RunRolling(ctx context.Context, window timeutil.Interval, every time.Duration) ([]StepReport, error) {
	if every <= 0 {
		return nil, fmt.Errorf("%w: non-positive rolling step %s", timeutil.ErrConfiguration, every)
	}
	if window.End.Before(window.Start) {
		return nil, fmt.Errorf("%w: rolling window %s ends before it starts", timeutil.ErrConfiguration, window)
	}
	c.rolling = uuid.NewString()
	defer func() { c.rolling = "" }()
	c.log.Infof("rolling run %s over %s every %s", c.rolling, window, every)

	var (
		reports []StepReport
		errs    []error
	)
	for now := window.Start; !now.After(window.End); now = now.Add(every) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		c.Clear()
		r, err := c.RunStep(ctx, now)
		reports = append(reports, StepReport{RunID: c.runID, At: now, Interval: c.interval, State: c.state, Result: r, Err: err})
		if err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("step at %s: %w", now.UTC().Format(time.RFC3339), err))
		if fatal(err) {
			break
		}
	}
	failed := 0
	for _, rep := range reports {
		if rep.State == Failed {
			failed++
		}
	}
	c.log.Infof("rolling run %s done: %d steps, %d failed", c.rolling, len(reports), failed)
	return reports, errors.Join(errs...)
}
