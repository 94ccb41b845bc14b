package influx

import (
	"context"
	"math"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/optimizer"
)

// Sink writes the outcome of every step: the target SOC in percent, tagged
// with the battery entity, and optionally the dispatch plan.
type Sink struct {
	writeAPI api.WriteAPIBlocking
	cfg      Config
	log      logger.Logger
}

// NewSink writes to the bucket of cfg through client.
func NewSink(client influxdb2.Client, cfg Config, log logger.Logger) *Sink {
	if log == nil {
		log = logger.Nop()
	}
	return &Sink{writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg: cfg, log: log}
}

// Points returns the points written for r.
func (s *Sink) Points(r *optimizer.DispatchResult) []*write.Point {
	var pts []*write.Point
	if s.cfg.SOCEntityID != "" && r.HasBattery() {
		pts = append(pts, write.NewPointWithMeasurement(s.cfg.SOCMeasurement).
			AddTag("entity_id", s.cfg.SOCEntityID).
			AddField("value", round3(r.TargetSOC*100)).
			SetTime(r.Interval.Start))
	}
	if s.cfg.DispatchMeasurement != "" {
		for t, ts := range r.Timestamps {
			p := write.NewPointWithMeasurement(s.cfg.DispatchMeasurement).
				AddTag("run_id", r.RunID).
				AddField("load", round3(r.Load[t])).
				AddField("generation", round3(r.Generation[t])).
				AddField("power_supply_flow", round3(r.PowerSupplyFlow[t])).
				AddField("battery_energy_flow", round3(r.BatteryEnergyFlow[t])).
				SetTime(ts)
			if r.HasBattery() {
				p.AddField("soc", round3(r.SOC[t+1]))
			}
			pts = append(pts, p)
		}
	}
	return pts
}

// Write implements results.Sink.
func (s *Sink) Write(ctx context.Context, r *optimizer.DispatchResult) error {
	pts := s.Points(r)
	if len(pts) == 0 {
		return nil
	}
	if err := s.writeAPI.WritePoint(ctx, pts...); err != nil {
		return err
	}
	s.log.Debugf("influx wrote %d points for %s", len(pts), r.Interval)
	return nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
