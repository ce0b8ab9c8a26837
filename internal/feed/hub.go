package feed

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/ledger"
)

// Hub is the in-process change feed. It is safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	listings map[string]*stream
	global   *stream
	inboxes  map[string]map[*Inbox]struct{}

	retention int
	inboxSize int

	subscribers metric.Int64UpDownCounter
	dropped     metric.Int64Counter
}

// NewHub returns a Hub sized by cfg.
func NewHub(cfg config.FeedConfig, mp metric.MeterProvider) *Hub {
	meter := mp.Meter("github.com/jensholdgaard/bidsync/internal/feed")
	subscribers, _ := meter.Int64UpDownCounter("feed.subscribers",
		metric.WithDescription("Open change feed subscriptions."))
	dropped, _ := meter.Int64Counter("feed.inbox.dropped",
		metric.WithDescription("Notifications not delivered live because an inbox was full."))

	inboxSize := cfg.InboxSize
	if inboxSize < 1 {
		inboxSize = 1
	}
	return &Hub{
		listings:    make(map[string]*stream),
		global:      newStream(0, cfg.GlobalRetention, true),
		inboxes:     make(map[string]map[*Inbox]struct{}),
		retention:   cfg.Retention,
		inboxSize:   inboxSize,
		subscribers: subscribers,
		dropped:     dropped,
	}
}

// Publish records d on its listing stream and the global stream and wakes
// waiting subscribers. It never blocks on subscribers.
func (h *Hub) Publish(d Delta) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.listingStream(d.ListingID, d.Version-1).append(d)
	h.global.append(d)
}

// Seed declares that listingID currently sits at version. It has no effect
// once the listing stream holds deltas.
func (h *Hub) Seed(listingID string, version int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.listingStream(listingID, version)
	if s.n == 0 && s.last < version {
		s.base = version
		s.last = version
	}
}

// Drop retires the stream of a listing that will not change again. It is
// forgotten as soon as no subscription reads from it.
func (h *Hub) Drop(listingID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.listings[listingID]
	if !ok {
		return
	}
	if s.subs == 0 {
		delete(h.listings, listingID)
		return
	}
	s.retired = true
}

// Streams returns how many listing streams the hub holds.
func (h *Hub) Streams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listings)
}

// SeedGlobal sets the global window base after recovery. It is ignored once
// the global stream has received deltas.
func (h *Hub) SeedGlobal(sequence int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.global.n == 0 && h.global.last < sequence {
		h.global.base = sequence
		h.global.last = sequence
	}
}

// Latest returns the newest key held for the cursor's stream.
func (h *Hub) Latest(c Cursor) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Global() {
		return h.global.last
	}
	if s, ok := h.listings[c.ListingID]; ok {
		return s.last
	}
	return 0
}

func (h *Hub) listingStream(listingID string, base int64) *stream {
	s, ok := h.listings[listingID]
	if !ok {
		s = newStream(base, h.retention, false)
		h.listings[listingID] = s
	}
	return s
}

// Subscribe opens a subscription that yields deltas after c.After.
func (h *Hub) Subscribe(c Cursor) (*Subscription, error) {
	h.mu.Lock()
	var s *stream
	if c.Global() {
		s = h.global
	} else {
		s = h.listingStream(c.ListingID, 0)
	}
	if c.After < s.base || c.After > s.last {
		h.mu.Unlock()
		return nil, ErrResyncRequired
	}
	s.subs++
	h.mu.Unlock()

	h.subscribers.Add(context.Background(), 1)
	return &Subscription{hub: h, stream: s, listingID: c.ListingID, cursor: c.After}, nil
}

// Subscription is one reader's position in a stream. It is not safe for
// concurrent use.
type Subscription struct {
	hub       *Hub
	stream    *stream
	listingID string
	cursor    int64
	closed    bool
}

// Cursor returns the key of the last delta returned by Next.
func (s *Subscription) Cursor() int64 { return s.cursor }

// Next returns the next delta after the cursor and advances it. It blocks
// until a delta is available, keepalive elapses (ok is false) or ctx is done.
// A keepalive <= 0 waits without a timeout.
func (s *Subscription) Next(ctx context.Context, keepalive time.Duration) (Delta, bool, error) {
	var timeout <-chan time.Time
	if keepalive > 0 {
		t := time.NewTimer(keepalive)
		defer t.Stop()
		timeout = t.C
	}

	for {
		s.hub.mu.Lock()
		d, ok, err := s.stream.next(s.cursor)
		wait := s.stream.changed
		s.hub.mu.Unlock()

		if err != nil {
			return Delta{}, false, err
		}
		if ok {
			s.cursor = key(d, s.stream.global)
			return d, true, nil
		}

		select {
		case <-wait:
		case <-timeout:
			return Delta{}, false, nil
		case <-ctx.Done():
			return Delta{}, false, ctx.Err()
		}
	}
}

// Close releases the subscription.
func (s *Subscription) Close() {
	if s.closed {
		return
	}
	s.closed = true

	h := s.hub
	h.mu.Lock()
	s.stream.subs--
	if s.stream.retired && s.stream.subs == 0 && h.listings[s.listingID] == s.stream {
		delete(h.listings, s.listingID)
	}
	h.mu.Unlock()

	h.subscribers.Add(context.Background(), -1)
}

// Inbox receives outbid notifications for one connected user.
type Inbox struct {
	hub    *Hub
	userID string
	c      chan ledger.Notification
}

// C returns the channel notifications arrive on.
func (i *Inbox) C() <-chan ledger.Notification { return i.c }

// Close detaches the inbox from the hub.
func (i *Inbox) Close() {
	i.hub.mu.Lock()
	defer i.hub.mu.Unlock()
	if set, ok := i.hub.inboxes[i.userID]; ok {
		delete(set, i)
		if len(set) == 0 {
			delete(i.hub.inboxes, i.userID)
		}
	}
}

// OpenInbox registers a live connection for userID.
func (h *Hub) OpenInbox(userID string) *Inbox {
	h.mu.Lock()
	defer h.mu.Unlock()

	in := &Inbox{hub: h, userID: userID, c: make(chan ledger.Notification, h.inboxSize)}
	set, ok := h.inboxes[userID]
	if !ok {
		set = make(map[*Inbox]struct{})
		h.inboxes[userID] = set
	}
	set[in] = struct{}{}
	return in
}

// Deliver hands n to every open inbox of userID without blocking. It reports
// whether at least one inbox accepted it.
func (h *Hub) Deliver(userID string, n ledger.Notification) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := false
	for in := range h.inboxes[userID] {
		select {
		case in.c <- n:
			delivered = true
		default:
			h.dropped.Add(context.Background(), 1)
		}
	}
	return delivered
}
