// Package prices serves day-ahead wholesale electricity prices from a REST
// API as a data.Provider.
package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/timeutil"
)

// LabelConfig derives a tariff from the market price: price·Scale + Offset.
type LabelConfig struct {
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
}

// Config holds the endpoint, credentials and tariffs.
type Config struct {
	URL     string        `json:"url"`
	Auth    AuthConfig    `json:"auth"`
	Timeout time.Duration `json:"timeout"`
	// Step is the resolution of the published prices.
	Step   time.Duration          `json:"step"`
	Labels map[string]LabelConfig `json:"labels"`
}

// SetDefaults applies sane defaults. Prices are published in €/MWh and the
// default scale converts them to €/kWh.
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Step <= 0 {
		c.Step = time.Hour
	}
	for k, l := range c.Labels {
		if l.Scale == 0 {
			l.Scale = 1e-3
		}
		c.Labels[k] = l
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("prices url is required")
	}
	if len(c.Labels) == 0 {
		return errors.New("prices need at least one label")
	}
	if c.Auth.ClientID != "" && c.Auth.AuthURL == "" {
		return errors.New("prices auth_url is required with client credentials")
	}
	return nil
}

// Response is the payload of the wholesale market endpoint.
type Response struct {
	FrancePowerExchanges []struct {
		StartDate   string `json:"start_date"`
		EndDate     string `json:"end_date"`
		UpdatedDate string `json:"updated_date"`
		Values      []struct {
			StartDate string  `json:"start_date"`
			EndDate   string  `json:"end_date"`
			Value     float64 `json:"value"`
			Price     float64 `json:"price"`
		} `json:"values"`
	} `json:"france_power_exchanges"`
}

// Prices returns the price of every period keyed by its UTC start.
func (r *Response) Prices() (map[time.Time]float64, error) {
	out := make(map[time.Time]float64)
	for _, ex := range r.FrancePowerExchanges {
		for _, v := range ex.Values {
			t, err := time.Parse(time.RFC3339, v.StartDate)
			if err != nil {
				return nil, fmt.Errorf("failed to parse time: %w", err)
			}
			out[t.UTC()] = v.Price
		}
	}
	return out, nil
}

// Client fetches prices over HTTP.
type Client struct {
	cfg   Config
	http  *http.Client
	auth  *ClientCred
	log   logger.Logger
	clock func() time.Time
}

// New returns a Client for cfg.
func New(cfg Config, log logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	c := &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log, clock: time.Now}
	if cfg.Auth.ClientID != "" {
		c.auth = NewClientCred(cfg.Auth)
	}
	return c
}

// Labels returns the labels the client serves, sorted.
func (c *Client) Labels() []string {
	out := make([]string, 0, len(c.cfg.Labels))
	for l := range c.cfg.Labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Fetch retrieves the market prices published for iv.
func (c *Client) Fetch(ctx context.Context, iv timeutil.Interval) (*Response, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prices url: %w", err)
	}
	q := u.Query()
	q.Set("start_date", iv.Start.UTC().Format(time.RFC3339))
	q.Set("end_date", iv.End.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.auth != nil {
		if err := c.auth.SetAuthHeader(ctx, req); err != nil {
			return nil, fmt.Errorf("failed to set auth header: %w", err)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}
	var market Response
	if err := json.Unmarshal(body, &market); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &market, nil
}

// Series implements data.Provider on the price step from iv.Start.
func (c *Client) Series(ctx context.Context, labels []string, iv timeutil.Interval) (data.Table, error) {
	for _, l := range labels {
		if _, ok := c.cfg.Labels[l]; !ok {
			return data.Table{}, fmt.Errorf("%w: no tariff for %s", data.ErrDataAccess, l)
		}
	}
	resp, err := c.Fetch(ctx, iv)
	if err != nil {
		return data.Table{}, fmt.Errorf("%w: %w", data.ErrDataAccess, err)
	}
	market, err := resp.Prices()
	if err != nil {
		return data.Table{}, fmt.Errorf("%w: %w", data.ErrDataAccess, err)
	}
	var index []time.Time
	for t := iv.Start.UTC(); t.Before(iv.End); t = t.Add(c.cfg.Step) {
		index = append(index, t)
	}
	out := data.NewTable(index)
	for _, l := range labels {
		tariff := c.cfg.Labels[l]
		col := make([]float64, len(index))
		for i, t := range index {
			p, ok := market[t]
			if !ok {
				return data.Table{}, fmt.Errorf("%w: no price published for %s", data.ErrDataAccess, t.Format(time.RFC3339))
			}
			col[i] = p*tariff.Scale + tariff.Offset
		}
		out.Columns[l] = col
	}
	c.log.Debugf("fetched %d prices over %s", len(index), iv)
	return out, nil
}

// Point implements data.Provider with the tariff of the current period.
func (c *Client) Point(ctx context.Context, label string) (float64, error) {
	start := c.clock().UTC().Truncate(c.cfg.Step)
	tbl, err := c.Series(ctx, []string{label}, timeutil.NewInterval(start, start.Add(c.cfg.Step)))
	if err != nil {
		return 0, err
	}
	return tbl.Columns[label][0], nil
}
