package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/optimizer"
	"github.com/kilianp07/ems/core/results"
	"github.com/kilianp07/ems/core/simulation"
	"github.com/kilianp07/ems/internal/eventbus"
)

func dispatch() *optimizer.DispatchResult {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &optimizer.DispatchResult{
		Timestamps: []time.Time{start, start.Add(time.Hour)},
		Buy:        []float64{2, 0},
		Sell:       []float64{0, 1.5},
		Objective:  0.42,
		TargetSOC:  0.6,
		Battery:    &optimizer.BatteryState{Name: "bat", CapacityKWh: 10},
	}
}

func TestPromSinkWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), dispatch()))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.results))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.imported))
	assert.Equal(t, 1.5, testutil.ToFloat64(s.exported))
	assert.Equal(t, 0.42, testutil.ToFloat64(s.cost))
	assert.Equal(t, 0.6, testutil.ToFloat64(s.targetSOC))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.periods))
}

func TestPromSinkReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	b, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, a.Write(context.Background(), dispatch()))
	require.NoError(t, b.Write(context.Background(), dispatch()))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.results))
	assert.Same(t, a.transitions, b.transitions)
}

func TestPromSinkRecordTransition(t *testing.T) {
	s, err := NewPromSinkWithRegistry(prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, s.RecordTransition(simulation.StateEvent{From: simulation.Optimized, To: simulation.Failed}))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.transitions.WithLabelValues("optimized", "failed")))
}

type recorder struct {
	writes int
	events []simulation.StateEvent
	err    error
}

func (r *recorder) Write(context.Context, *optimizer.DispatchResult) error {
	r.writes++
	return r.err
}

func (r *recorder) RecordTransition(ev simulation.StateEvent) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	first, second, third := &recorder{err: errA}, &recorder{}, &recorder{err: errB}
	plain := results.SinkFunc(func(context.Context, *optimizer.DispatchResult) error { return nil })
	m := NewMultiSink(first, second, plain, third)

	err := m.Write(context.Background(), dispatch())
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 1, second.writes)
	assert.Equal(t, 1, third.writes)

	require.NoError(t, NewMultiSink(second, plain).RecordTransition(simulation.StateEvent{To: simulation.Completed}))
	assert.Len(t, second.events, 1)
}

func TestStartEventCollector(t *testing.T) {
	bus := eventbus.New[simulation.StateEvent](4)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := StartEventCollector(ctx, bus, rec, nil)

	bus.Publish(simulation.StateEvent{RunID: "r1", From: simulation.Idle, To: simulation.IntervalResolved})
	bus.Publish(simulation.StateEvent{RunID: "r1", From: simulation.IntervalResolved, To: simulation.Failed})
	bus.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
	cancel()
	require.Len(t, rec.events, 2)
	assert.Equal(t, simulation.Failed, rec.events[1].To)
}

func TestStartEventCollectorNilBus(t *testing.T) {
	done := StartEventCollector(context.Background(), nil, &recorder{}, nil)
	_, open := <-done
	assert.False(t, open)
}

func TestStartPromServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	reg := prometheus.NewRegistry()
	s, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), dispatch()))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- StartPromServer(ctx, addr, reg, nil) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "ems_dispatch_grid_import_kwh 2")

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}
