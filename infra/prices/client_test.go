package prices

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/timeutil"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func marketJSON(start time.Time, prices ...float64) string {
	var values []string
	for i, p := range prices {
		s := start.Add(time.Duration(i) * time.Hour)
		values = append(values, fmt.Sprintf(`{"start_date":%q,"end_date":%q,"value":100,"price":%g}`,
			s.Format(time.RFC3339), s.Add(time.Hour).Format(time.RFC3339), p))
	}
	return `{"france_power_exchanges":[{"start_date":"x","end_date":"y","updated_date":"z","values":[` +
		strings.Join(values, ",") + `]}]}`
}

type fakeAPI struct {
	srv        *httptest.Server
	tokens     atomic.Int32
	lastQuery  atomic.Value
	authHeader atomic.Value
	status     atomic.Int32
	body       string
}

func newFakeAPI(t *testing.T, body string) *fakeAPI {
	t.Helper()
	f := &fakeAPI{body: body}
	f.status.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token123","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/prices", func(w http.ResponseWriter, r *http.Request) {
		f.lastQuery.Store(r.URL.RawQuery)
		f.authHeader.Store(r.Header.Get("Authorization"))
		w.WriteHeader(int(f.status.Load()))
		_, _ = w.Write([]byte(f.body))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) config() Config {
	cfg := Config{
		URL:  f.srv.URL + "/prices",
		Auth: AuthConfig{ClientID: "id", ClientSecret: "secret", AuthURL: f.srv.URL + "/token"},
		Labels: map[string]LabelConfig{
			"purchase": {Offset: 0.1},
			"selling":  {Scale: 1e-3},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestSeriesAppliesTariffs(t *testing.T) {
	api := newFakeAPI(t, marketJSON(t0, 50, 100, 150))
	c := New(api.config(), nil)

	tbl, err := c.Series(context.Background(), []string{"purchase", "selling"}, timeutil.NewInterval(t0, t0.Add(3*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 3, tbl.Len())
	assert.InDeltaSlice(t, []float64{0.15, 0.2, 0.25}, tbl.Columns["purchase"], 1e-9)
	assert.InDeltaSlice(t, []float64{0.05, 0.1, 0.15}, tbl.Columns["selling"], 1e-9)
	assert.Equal(t, "Bearer token123", api.authHeader.Load())
	assert.Contains(t, api.lastQuery.Load(), "start_date=2024-05-01T00%3A00%3A00Z")

	_, err = c.Series(context.Background(), []string{"purchase"}, timeutil.NewInterval(t0, t0.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.tokens.Load(), "token is cached")
}

func TestSeriesErrors(t *testing.T) {
	api := newFakeAPI(t, marketJSON(t0, 50))
	c := New(api.config(), nil)
	ctx := context.Background()

	_, err := c.Series(ctx, []string{"unknown"}, timeutil.NewInterval(t0, t0.Add(time.Hour)))
	assert.ErrorIs(t, err, data.ErrDataAccess)

	_, err = c.Series(ctx, []string{"purchase"}, timeutil.NewInterval(t0, t0.Add(2*time.Hour)))
	assert.ErrorIs(t, err, data.ErrDataAccess)

	api.status.Store(http.StatusServiceUnavailable)
	_, err = c.Series(ctx, []string{"purchase"}, timeutil.NewInterval(t0, t0.Add(time.Hour)))
	assert.ErrorIs(t, err, data.ErrDataAccess)
	assert.Contains(t, err.Error(), "503")
}

func TestPointUsesCurrentPeriod(t *testing.T) {
	api := newFakeAPI(t, marketJSON(t0.Add(5*time.Hour), 80))
	cfg := api.config()
	cfg.Auth = AuthConfig{}
	c := New(cfg, nil)
	c.clock = func() time.Time { return t0.Add(5*time.Hour + 20*time.Minute) }

	v, err := c.Point(context.Background(), "purchase")
	require.NoError(t, err)
	assert.InDelta(t, 0.18, v, 1e-9)
	assert.Empty(t, api.authHeader.Load())
	assert.Equal(t, []string{"purchase", "selling"}, c.Labels())
}

func TestClientCredForceRefresh(t *testing.T) {
	api := newFakeAPI(t, "")
	cc := NewClientCred(api.config().Auth)
	_, err := cc.Token(context.Background())
	require.NoError(t, err)
	tok, err := cc.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token123", tok.AccessToken)
	assert.Equal(t, int32(2), api.tokens.Load())
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{URL: "http://x"}.Validate())
	assert.Error(t, Config{URL: "http://x", Labels: map[string]LabelConfig{"p": {}}, Auth: AuthConfig{ClientID: "id"}}.Validate())
	assert.NoError(t, Config{URL: "http://x", Labels: map[string]LabelConfig{"p": {}}}.Validate())
}
