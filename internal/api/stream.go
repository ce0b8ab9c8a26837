package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jensholdgaard/bidsync/internal/feed"
	"github.com/jensholdgaard/bidsync/internal/ledger"
	"github.com/jensholdgaard/bidsync/internal/store"
)

// resyncAttempts bounds how often a stream retries subscribing from a fresh
// snapshot before giving up.
const resyncAttempts = 3

// sink writes stream events to one connection.
type sink interface {
	delta(id int64, d feed.Delta) error
	resync(id int64, v any) error
	outbid(n ledger.Notification) error
	keepalive() error
}

type streamRequest struct {
	cursor feed.Cursor
	userID string
	// ended is set when the watched listing can no longer change.
	ended bool
}

type globalResync struct {
	Sequence int64 `json:"sequence"`
}

type step struct {
	d   feed.Delta
	ok  bool
	err error
}

// parseStreamRequest reads the stream selector. Last-Event-ID wins over the
// query cursor so reconnecting EventSource clients resume where they left off.
func parseStreamRequest(r *http.Request) (streamRequest, error) {
	q := r.URL.Query()
	sr := streamRequest{
		cursor: feed.Cursor{ListingID: q.Get("listingId")},
		userID: q.Get("userId"),
	}

	param := "sinceSequence"
	if !sr.cursor.Global() {
		param = "sinceVersion"
	}
	v := q.Get(param)
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		v = id
	}
	if v == "" {
		return sr, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return sr, fmt.Errorf("%s must be a non-negative integer", param)
	}
	sr.cursor.After = n
	return sr, nil
}

// checkStream validates a stream request before the response is committed.
func (s *Server) checkStream(w http.ResponseWriter, r *http.Request) (streamRequest, bool) {
	sr, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return sr, false
	}
	if sr.userID != "" && !allowed(r, sr.userID) {
		writeError(w, http.StatusForbidden, "token subject does not match user")
		return sr, false
	}
	if !sr.cursor.Global() {
		l, err := s.bids.Get(r.Context(), sr.cursor.ListingID)
		if err != nil {
			s.writeBiddingError(w, r, err)
			return sr, false
		}
		s.feed.Seed(l.ID, l.Version)
		sr.ended = l.Status == store.StatusEnded
	}
	return sr, true
}

// follow streams deltas and outbid notifications to out until ctx is done or
// a write fails.
func (s *Server) follow(ctx context.Context, sr streamRequest, out sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var inbox <-chan ledger.Notification
	backlog := make(map[string]struct{})
	if sr.userID != "" {
		in := s.feed.OpenInbox(sr.userID)
		defer in.Close()
		inbox = in.C()
		if err := s.flushBacklog(ctx, sr.userID, out, backlog); err != nil {
			return err
		}
	}

	sub, err := s.feed.Subscribe(sr.cursor)
	if errors.Is(err, feed.ErrResyncRequired) {
		sub, err = s.resync(ctx, sr.cursor.ListingID, out)
	}
	if err != nil {
		return err
	}
	if sr.ended {
		// Seeding brought the stream back; let it go with this reader.
		s.feed.Drop(sr.cursor.ListingID)
	}

	steps := make(chan step)
	go pump(ctx, sub, s.opts.KeepAlive, steps)

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-inbox:
			if _, dup := backlog[n.ID]; dup {
				continue
			}
			if err := out.outbid(n); err != nil {
				return err
			}
			s.ack(ctx, n.ID)

		case st := <-steps:
			switch {
			case errors.Is(st.err, feed.ErrResyncRequired):
				sub, err := s.resync(ctx, sr.cursor.ListingID, out)
				if err != nil {
					return err
				}
				go pump(ctx, sub, s.opts.KeepAlive, steps)
			case st.err != nil:
				return nil
			case !st.ok:
				if err := out.keepalive(); err != nil {
					return err
				}
			default:
				id := st.d.Version
				if sr.cursor.Global() {
					id = st.d.Sequence
				}
				if err := out.delta(id, st.d); err != nil {
					return err
				}
			}
		}
	}
}

// resync sends the current position of the stream and subscribes from it.
func (s *Server) resync(ctx context.Context, listingID string, out sink) (*feed.Subscription, error) {
	var err error
	for attempt := 0; attempt < resyncAttempts; attempt++ {
		var (
			pos  int64
			snap any
		)
		if listingID == "" {
			pos = s.bids.LastSequence()
			snap = globalResync{Sequence: pos}
		} else {
			l, gerr := s.bids.Get(ctx, listingID)
			if gerr != nil {
				return nil, fmt.Errorf("loading snapshot: %w", gerr)
			}
			s.feed.Seed(l.ID, l.Version)
			pos = l.Version
			snap = toListing(l)
		}

		var sub *feed.Subscription
		sub, err = s.feed.Subscribe(feed.Cursor{ListingID: listingID, After: pos})
		if errors.Is(err, feed.ErrResyncRequired) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := out.resync(pos, snap); err != nil {
			sub.Close()
			return nil, err
		}
		return sub, nil
	}
	return nil, fmt.Errorf("resync of %q did not converge: %w", listingID, err)
}

func (s *Server) flushBacklog(ctx context.Context, userID string, out sink, sent map[string]struct{}) error {
	pending, err := s.notes.Undelivered(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "loading undelivered notifications",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		return nil
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(pending))
	for _, n := range pending {
		if err := out.outbid(n); err != nil {
			s.ack(ctx, ids...)
			return err
		}
		sent[n.ID] = struct{}{}
		ids = append(ids, n.ID)
	}
	s.ack(ctx, ids...)
	return nil
}

func (s *Server) ack(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := s.notes.Ack(ctx, ids...); err != nil {
		s.logger.WarnContext(ctx, "acknowledging notifications", slog.Any("error", err))
	}
}

// pump reads sub on its own goroutine so the stream loop can also wait on
// the user's inbox. It stops after the first error.
func pump(ctx context.Context, sub *feed.Subscription, keepalive time.Duration, out chan<- step) {
	defer sub.Close()
	for {
		d, ok, err := sub.Next(ctx, keepalive)
		select {
		case out <- step{d: d, ok: ok, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
