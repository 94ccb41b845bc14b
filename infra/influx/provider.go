package influx

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/timeutil"
)

// Provider implements data.Provider over Flux queries.
type Provider struct {
	client influxdb2.Client
	query  api.QueryAPI
	cfg    Config
	log    logger.Logger
}

// NewClient returns a client for cfg.URL with the configured timeout.
func NewClient(cfg Config) influxdb2.Client {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	return influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: cfg.Timeout}))
}

// NewProvider queries the bucket of cfg through client.
func NewProvider(client influxdb2.Client, cfg Config, log logger.Logger) *Provider {
	if log == nil {
		log = logger.Nop()
	}
	return &Provider{client: client, query: client.QueryAPI(cfg.Org), cfg: cfg, log: log}
}

// Labels returns the labels the provider serves, sorted.
func (p *Provider) Labels() []string {
	out := make([]string, 0, len(p.cfg.Labels))
	for l := range p.cfg.Labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func (p *Provider) series(label string) (SeriesConfig, error) {
	s, ok := p.cfg.Labels[label]
	if !ok {
		return SeriesConfig{}, fmt.Errorf("%w: influx has no mapping for %s", data.ErrDataAccess, label)
	}
	return s, nil
}

func (p *Provider) filter(s SeriesConfig) string {
	return fmt.Sprintf(`filter(fn: (r) => r._measurement == %q and r.entity_id == %q and r._field == %q)`,
		s.Measurement, s.EntityID, s.Field)
}

// SeriesQuery returns the Flux query aggregating s on the provider grid
// over iv.
func (p *Provider) SeriesQuery(s SeriesConfig, iv timeutil.Interval) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> %s
  |> aggregateWindow(every: %s, fn: %s, createEmpty: true, timeSrc: "_start")
  |> fill(usePrevious: true)
  |> keep(columns: ["_time", "_value"])`,
		p.cfg.Bucket, iv.Start.UTC().Format(time.RFC3339), iv.End.UTC().Format(time.RFC3339),
		p.filter(s), p.cfg.Step, s.Aggregate)
}

// Series implements data.Provider. Rows follow the provider step from
// iv.Start; a period without data is an error.
func (p *Provider) Series(ctx context.Context, labels []string, iv timeutil.Interval) (data.Table, error) {
	var index []time.Time
	for t := iv.Start; t.Before(iv.End); t = t.Add(p.cfg.Step) {
		index = append(index, t.UTC())
	}
	out := data.NewTable(index)
	for _, label := range labels {
		s, err := p.series(label)
		if err != nil {
			return data.Table{}, err
		}
		values, err := p.run(ctx, p.SeriesQuery(s, iv))
		if err != nil {
			return data.Table{}, fmt.Errorf("%w: influx series %s: %w", data.ErrDataAccess, label, err)
		}
		col := make([]float64, len(index))
		for i, t := range index {
			v, ok := values[t]
			if !ok {
				return data.Table{}, fmt.Errorf("%w: influx series %s has no data at %s", data.ErrDataAccess, label, t.Format(time.RFC3339))
			}
			col[i] = v
		}
		out.Columns[label] = col
	}
	p.log.Debugf("influx read %d labels over %s", len(labels), iv)
	return out, nil
}

// Point implements data.Provider with the last value within the lookback.
func (p *Provider) Point(ctx context.Context, label string) (float64, error) {
	s, err := p.series(label)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%s)
  |> %s
  |> last()`, p.cfg.Bucket, p.cfg.Lookback, p.filter(s))
	values, err := p.run(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("%w: influx point %s: %w", data.ErrDataAccess, label, err)
	}
	var (
		last   time.Time
		result float64
		found  bool
	)
	for t, v := range values {
		if !found || t.After(last) {
			last, result, found = t, v, true
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: influx has no recent value for %s", data.ErrDataAccess, label)
	}
	return result, nil
}

func (p *Provider) run(ctx context.Context, q string) (map[time.Time]float64, error) {
	res, err := p.query.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer res.Close()
	out := make(map[time.Time]float64)
	for res.Next() {
		rec := res.Record()
		v, ok := toFloat(rec.Value())
		if !ok {
			continue
		}
		out[rec.Time().UTC()] = v
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// Close releases the client.
func (p *Provider) Close() { p.client.Close() }
