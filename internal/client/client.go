package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/feed"
	"github.com/jensholdgaard/bidsync/internal/ledger"
)

// ErrStreamClosed is returned when the server ends a change stream.
var ErrStreamClosed = errors.New("change stream closed by server")

// BidResponse is the server's answer to a bid.
type BidResponse struct {
	Accepted      bool            `json:"accepted"`
	Version       int64           `json:"version"`
	Sequence      int64           `json:"sequence"`
	CurrentBid    decimal.Decimal `json:"currentBid"`
	Reason        string          `json:"reason"`
	CurrentAmount decimal.Decimal `json:"currentAmount"`
	Error         string          `json:"error"`
}

// Listing is the server's listing representation.
type Listing struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Status        string          `json:"status"`
	StartingBid   decimal.Decimal `json:"startingBid"`
	CurrentBid    decimal.Decimal `json:"currentBid"`
	CurrentBidder string          `json:"currentBidder"`
	Version       int64           `json:"version"`
	EndsAt        *time.Time      `json:"endsAt,omitempty"`
}

// WatchRequest selects a change stream. An empty ListingID follows every
// listing, with Since a global sequence.
type WatchRequest struct {
	ListingID string
	UserID    string
	Since     int64
}

// Handlers receive stream events. Nil handlers are skipped. While a Watch
// runs, Change also reports local changes from SubmitBid and from expiring
// optimistic bids, so it may be called from several goroutines.
type Handlers struct {
	Change func(View)
	Outbid func(ledger.Notification)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRetryDelay sets the pause before reconnecting a dropped stream.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to a bidsync server and feeds a Reconciler.
type Client struct {
	baseURL    string
	http       *http.Client
	token      string
	retryDelay time.Duration
	logger     *slog.Logger
	rec        *Reconciler

	mu        sync.Mutex
	listeners map[int]listener
	nextID    int
}

type listener struct {
	listingID string
	change    func(View)
}

// New returns a Client for the server at baseURL.
func New(baseURL string, rec *Reconciler, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       http.DefaultClient,
		retryDelay: time.Second,
		logger:     slog.Default(),
		rec:        rec,
		listeners:  make(map[int]listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reconciler returns the reconciler the client updates.
func (c *Client) Reconciler() *Reconciler { return c.rec }

// listen registers change for views of listingID, or of every listing when
// listingID is empty. The returned func removes it.
func (c *Client) listen(listingID string, change func(View)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener{listingID: listingID, change: change}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// emit reports the current view of listingID to the matching listeners.
func (c *Client) emit(listingID string) {
	c.mu.Lock()
	var fns []func(View)
	for _, l := range c.listeners {
		if l.listingID == "" || l.listingID == listingID {
			fns = append(fns, l.change)
		}
	}
	c.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	v := c.rec.View(listingID)
	for _, fn := range fns {
		fn(v)
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// SubmitBid shows amount optimistically, sends it and reconciles the answer.
// A rejected bid is not an error: the response has Accepted false and a
// Reason. Errors are returned for invalid requests and server failures.
func (c *Client) SubmitBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (BidResponse, error) {
	c.rec.ApplyOptimistic(listingID, amount)
	c.emit(listingID)
	// Whatever the outcome, the optimistic bid is settled or dropped by now.
	defer c.emit(listingID)

	req, err := c.newRequest(ctx, http.MethodPost, "/bids", map[string]any{
		"listingId": listingID,
		"bidderId":  bidderID,
		"amount":    amount,
	})
	if err != nil {
		c.rec.Reject(listingID, amount, decimal.Zero, 0)
		return BidResponse{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.rec.Reject(listingID, amount, decimal.Zero, 0)
		return BidResponse{}, fmt.Errorf("submitting bid: %w", err)
	}
	defer resp.Body.Close()

	var br BidResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		c.rec.Reject(listingID, amount, decimal.Zero, 0)
		return BidResponse{}, fmt.Errorf("decoding bid response (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK && br.Accepted:
		c.rec.ApplyDelta(feed.Delta{
			ListingID:     listingID,
			CurrentBid:    br.CurrentBid,
			CurrentBidder: bidderID,
			Version:       br.Version,
			Sequence:      br.Sequence,
		})
		return br, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusNotFound:
		c.rec.Reject(listingID, amount, br.CurrentAmount, br.Version)
		return br, nil
	default:
		c.rec.Reject(listingID, amount, decimal.Zero, 0)
		return br, fmt.Errorf("bid failed with status %d: %s %s", resp.StatusCode, br.Reason, br.Error)
	}
}

// Listing fetches a listing and resets the reconciler to it.
func (c *Client) Listing(ctx context.Context, listingID string) (Listing, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/listings/"+url.PathEscape(listingID), nil)
	if err != nil {
		return Listing{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Listing{}, fmt.Errorf("fetching listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Listing{}, fmt.Errorf("fetching listing %s: status %d", listingID, resp.StatusCode)
	}
	var l Listing
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return Listing{}, fmt.Errorf("decoding listing: %w", err)
	}
	c.rec.Reset(l.ID, Authoritative{CurrentBid: l.CurrentBid, CurrentBidder: l.CurrentBidder, Version: l.Version})
	return l, nil
}

// Watch follows the change stream until ctx is done, reconnecting from the
// last applied position whenever the connection drops. While it runs,
// expired optimistic bids are discarded and reported through h.Change.
func (c *Client) Watch(ctx context.Context, wr WatchRequest, h Handlers) error {
	if h.Change != nil {
		defer c.listen(wr.ListingID, h.Change)()
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.expire(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	last := wr.Since
	for {
		err := c.stream(ctx, wr, &last, h)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.WarnContext(ctx, "change stream interrupted, reconnecting",
			slog.String("listing_id", wr.ListingID),
			slog.Int64("last", last),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retryDelay):
		}
	}
}

// expire drops optimistic bids whose ttl passed and reports the reverted
// views until ctx is done.
func (c *Client) expire(ctx context.Context) {
	t := time.NewTicker(expiryInterval(c.rec.ttl))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, id := range c.rec.Expire() {
				c.emit(id)
			}
		}
	}
}

func expiryInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/2, 10*time.Millisecond), time.Second)
}

func (c *Client) stream(ctx context.Context, wr WatchRequest, last *int64, h Handlers) error {
	q := url.Values{}
	if wr.ListingID != "" {
		q.Set("listingId", wr.ListingID)
		q.Set("sinceVersion", strconv.FormatInt(*last, 10))
	} else {
		q.Set("sinceSequence", strconv.FormatInt(*last, 10))
	}
	if wr.UserID != "" {
		q.Set("userId", wr.UserID)
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/changes?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", strconv.FormatInt(*last, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opening change stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opening change stream: status %d", resp.StatusCode)
	}

	br := bufio.NewReader(resp.Body)
	var frame bytes.Buffer
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) > 0 {
			frame.Write(trimmed)
			frame.WriteByte('\n')
		} else if len(line) > 0 && frame.Len() > 0 {
			if derr := c.dispatch(frame.Bytes(), wr, last, h); derr != nil {
				return derr
			}
			frame.Reset()
		}
		if errors.Is(err, io.EOF) {
			return ErrStreamClosed
		}
		if err != nil {
			return fmt.Errorf("reading change stream: %w", err)
		}
	}
}

// dispatch applies one SSE frame.
func (c *Client) dispatch(frame []byte, wr WatchRequest, last *int64, h Handlers) error {
	events, err := sse.Decode(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	for _, ev := range events {
		data, _ := ev.Data.(string)
		switch ev.Event {
		case "delta":
			var d feed.Delta
			if err := json.Unmarshal([]byte(data), &d); err != nil {
				return fmt.Errorf("decoding delta: %w", err)
			}
			pos := d.Version
			if wr.ListingID == "" {
				pos = d.Sequence
			}
			if pos > *last {
				*last = pos
			}
			if c.rec.ApplyDelta(d) && h.Change != nil {
				h.Change(c.rec.View(d.ListingID))
			}

		case "resync":
			if wr.ListingID == "" {
				var r struct {
					Sequence int64 `json:"sequence"`
				}
				if err := json.Unmarshal([]byte(data), &r); err != nil {
					return fmt.Errorf("decoding resync: %w", err)
				}
				*last = r.Sequence
				continue
			}
			var l Listing
			if err := json.Unmarshal([]byte(data), &l); err != nil {
				return fmt.Errorf("decoding resync: %w", err)
			}
			c.rec.Reset(l.ID, Authoritative{CurrentBid: l.CurrentBid, CurrentBidder: l.CurrentBidder, Version: l.Version})
			*last = l.Version
			if h.Change != nil {
				h.Change(c.rec.View(l.ID))
			}

		case "outbid":
			var n ledger.Notification
			if err := json.Unmarshal([]byte(data), &n); err != nil {
				return fmt.Errorf("decoding outbid: %w", err)
			}
			if h.Outbid != nil {
				h.Outbid(n)
			}
		}
	}
	return nil
}
