package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/bidsync/internal/api"
	"github.com/jensholdgaard/bidsync/internal/bidding"
	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/feed"
	"github.com/jensholdgaard/bidsync/internal/health"
	"github.com/jensholdgaard/bidsync/internal/ledger"
	"github.com/jensholdgaard/bidsync/internal/notify"
	"github.com/jensholdgaard/bidsync/internal/store"
	"github.com/jensholdgaard/bidsync/internal/store/memstore"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type env struct {
	srv     *httptest.Server
	handler http.Handler
	mgr   *bidding.Manager
	hub   *feed.Hub
	repos *store.Repositories
}

type envOption func(*api.Options, *config.FeedConfig)

func withRetention(n int) envOption {
	return func(_ *api.Options, f *config.FeedConfig) { f.Retention = n }
}

func withSecret(s string) envOption {
	return func(o *api.Options, _ *config.FeedConfig) { o.JWTSecret = s }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()

	cfg := config.Default()
	o := api.Options{KeepAlive: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(&o, &cfg.Feed)
	}

	clk := clock.Real{}
	tp := noop.NewTracerProvider()
	mp := metricnoop.NewMeterProvider()

	repos := memstore.New(clk)
	hub := feed.NewHub(cfg.Feed, mp)
	disp := notify.NewDispatcher(cfg.Notify, repos.Notifications, hub, nil, nil, testLogger, tp, mp)
	mgr := bidding.NewManager(repos.Listings, repos.Ledger, hub, testLogger, tp, mp, clk,
		bidding.WithNotifier(disp))
	require.NoError(t, mgr.Recover(context.Background()))

	hh := health.NewHandler(clk, health.Checker{Name: "store", Check: repos.Ping})
	hh.SetReady(true)

	h := api.NewServer(mgr, hub, disp, hh, o, testLogger).Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{srv: srv, handler: h, mgr: mgr, hub: hub, repos: repos}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			r = strings.NewReader(s)
		} else {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			r = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *env) createListing(t *testing.T, id string, active bool) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/listings", "", map[string]any{
		"id":          id,
		"title":       "Lot " + id,
		"startingBid": "1000",
		"active":      active,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
}

type bidReply struct {
	Accepted      bool            `json:"accepted"`
	Version       int64           `json:"version"`
	Sequence      int64           `json:"sequence"`
	CurrentBid    decimal.Decimal `json:"currentBid"`
	Reason        string          `json:"reason"`
	CurrentAmount decimal.Decimal `json:"currentAmount"`
}

func (e *env) bid(t *testing.T, listingID, bidderID, amount string) (int, bidReply) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/bids", "", map[string]any{
		"listingId": listingID,
		"bidderId":  bidderID,
		"amount":    amount,
	})
	var br bidReply
	require.NoError(t, json.Unmarshal(body, &br), string(body))
	return resp.StatusCode, br
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSubmitBid_Scenario(t *testing.T) {
	e := newEnv(t)
	e.createListing(t, "L", true)

	code, br := e.bid(t, "L", "A", "1100")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, br.Accepted)
	assert.Equal(t, int64(1), br.Version)
	assert.Equal(t, int64(1), br.Sequence)
	assert.True(t, br.CurrentBid.Equal(dec("1100")))

	code, br = e.bid(t, "L", "B", "1050")
	require.Equal(t, http.StatusConflict, code)
	assert.False(t, br.Accepted)
	assert.Equal(t, bidding.ReasonAmountTooLow, br.Reason)
	assert.True(t, br.CurrentAmount.Equal(dec("1100")))
	assert.Equal(t, int64(1), br.Version)

	code, br = e.bid(t, "L", "C", "1200")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(2), br.Version)

	resp, body := e.do(t, http.MethodGet, "/notifications?userId=A", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var notes []ledger.Notification
	require.NoError(t, json.Unmarshal(body, &notes))
	require.Len(t, notes, 1)
	assert.Equal(t, "L", notes[0].ListingID)
	assert.True(t, notes[0].OldAmount.Equal(dec("1100")))
	assert.True(t, notes[0].NewAmount.Equal(dec("1200")))

	// Pulled notifications are not returned twice.
	_, body = e.do(t, http.MethodGet, "/notifications?userId=A", "", nil)
	assert.JSONEq(t, `[]`, string(body))
}

// brokenWriter accepts headers but fails every body write, like a client
// that hung up.
type brokenWriter struct {
	header http.Header
	code   int
}

func (b *brokenWriter) Header() http.Header       { return b.header }
func (b *brokenWriter) WriteHeader(code int)      { b.code = code }
func (b *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestNotifications_KeptWhenResponseFails(t *testing.T) {
	e := newEnv(t)
	e.createListing(t, "L", true)
	code, _ := e.bid(t, "L", "A", "1100")
	require.Equal(t, http.StatusOK, code)
	code, _ = e.bid(t, "L", "B", "1200")
	require.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/notifications?userId=A", nil)
	e.handler.ServeHTTP(&brokenWriter{header: http.Header{}}, req)

	resp, body := e.do(t, http.MethodGet, "/notifications?userId=A", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var notes []ledger.Notification
	require.NoError(t, json.Unmarshal(body, &notes))
	require.Len(t, notes, 1, "a failed response must not consume the notification")
	assert.True(t, notes[0].NewAmount.Equal(dec("1200")))

	_, body = e.do(t, http.MethodGet, "/notifications?userId=A", "", nil)
	assert.JSONEq(t, `[]`, string(body))
}

func TestSubmitBid_Errors(t *testing.T) {
	e := newEnv(t)
	e.createListing(t, "open", true)
	e.createListing(t, "pending", false)
	e.createListing(t, "closed", true)
	resp, _ := e.do(t, http.MethodPost, "/listings/closed/end", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantReason string
	}{
		{
			name:       "malformed body",
			body:       `{"listingId":`,
			wantCode:   http.StatusBadRequest,
			wantReason: bidding.ReasonInvalidBid,
		},
		{
			name:       "negative amount",
			body:       `{"listingId":"open","bidderId":"A","amount":"-5"}`,
			wantCode:   http.StatusBadRequest,
			wantReason: bidding.ReasonInvalidBid,
		},
		{
			name:       "fractional cents",
			body:       `{"listingId":"open","bidderId":"A","amount":"1100.001"}`,
			wantCode:   http.StatusBadRequest,
			wantReason: bidding.ReasonInvalidBid,
		},
		{
			name:       "unknown listing",
			body:       `{"listingId":"nope","bidderId":"A","amount":"1100"}`,
			wantCode:   http.StatusNotFound,
			wantReason: bidding.ReasonListingNotFound,
		},
		{
			name:       "not started",
			body:       `{"listingId":"pending","bidderId":"A","amount":"1100"}`,
			wantCode:   http.StatusConflict,
			wantReason: bidding.ReasonAuctionNotStarted,
		},
		{
			name:       "ended",
			body:       `{"listingId":"closed","bidderId":"A","amount":"1100"}`,
			wantCode:   http.StatusConflict,
			wantReason: bidding.ReasonAuctionEnded,
		},
		{
			name:       "equal to current",
			body:       `{"listingId":"open","bidderId":"A","amount":"1000"}`,
			wantCode:   http.StatusConflict,
			wantReason: bidding.ReasonAmountTooLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodPost, "/bids", "", tt.body)
			assert.Equal(t, tt.wantCode, resp.StatusCode, string(body))
			var br bidReply
			require.NoError(t, json.Unmarshal(body, &br))
			assert.False(t, br.Accepted)
			assert.Equal(t, tt.wantReason, br.Reason)
		})
	}
}

func TestListings(t *testing.T) {
	e := newEnv(t)
	e.createListing(t, "L", false)

	resp, _ := e.do(t, http.MethodPost, "/listings/L/start", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/listings/L/start", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	for _, amount := range []string{"1100", "1200", "1300"} {
		code, _ := e.bid(t, "L", "A", amount)
		require.Equal(t, http.StatusOK, code)
	}

	resp, body := e.do(t, http.MethodGet, "/listings/L", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var l struct {
		ID         string          `json:"id"`
		Status     string          `json:"status"`
		CurrentBid decimal.Decimal `json:"currentBid"`
		Version    int64           `json:"version"`
	}
	require.NoError(t, json.Unmarshal(body, &l))
	assert.Equal(t, store.StatusActive, l.Status)
	assert.Equal(t, int64(3), l.Version)
	assert.True(t, l.CurrentBid.Equal(dec("1300")))

	resp, body = e.do(t, http.MethodGet, "/listings/L/bids?sinceSequence=1&limit=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bids []ledger.Bid
	require.NoError(t, json.Unmarshal(body, &bids))
	require.Len(t, bids, 1)
	assert.Equal(t, int64(2), bids[0].Sequence)

	resp, _ = e.do(t, http.MethodGet, "/listings/L/bids?limit=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/listings/L/end", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &l))
	assert.Equal(t, store.StatusEnded, l.Status)

	resp, _ = e.do(t, http.MethodPost, "/listings/L/end", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/listings/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/listings", "", `{"title":"x","startingBid":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGate(t *testing.T) {
	var serving atomic.Bool
	e := newEnv(t, func(o *api.Options, _ *config.FeedConfig) { o.Serving = serving.Load })

	resp, _ := e.do(t, http.MethodGet, "/listings/L", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	serving.Store(true)
	resp, _ = e.do(t, http.MethodGet, "/listings/L", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	const secret = "s3cret"
	e := newEnv(t, withSecret(secret))

	sign := func(sub string, key string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": sub,
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(key))
		require.NoError(t, err)
		return tok
	}
	alice := sign("alice", secret)

	resp, _ := e.do(t, http.MethodPost, "/listings", alice, map[string]any{
		"id": "L", "title": "Lot", "startingBid": "1000", "active": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	bid := `{"listingId":"L","bidderId":"alice","amount":"1100"}`
	tests := []struct {
		name     string
		token    string
		body     string
		wantCode int
	}{
		{name: "missing token", token: "", body: bid, wantCode: http.StatusUnauthorized},
		{name: "wrong key", token: sign("alice", "other"), body: bid, wantCode: http.StatusUnauthorized},
		{name: "other subject", token: sign("bob", secret), body: bid, wantCode: http.StatusForbidden},
		{name: "matching subject", token: alice, body: bid, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodPost, "/bids", tt.token, tt.body)
			assert.Equal(t, tt.wantCode, resp.StatusCode, string(body))
		})
	}

	resp, _ = e.do(t, http.MethodGet, "/notifications?userId=bob", alice, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Probes stay open.
	resp, _ = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
