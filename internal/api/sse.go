package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"

	"github.com/jensholdgaard/bidsync/internal/feed"
	"github.com/jensholdgaard/bidsync/internal/ledger"
)

// Event names written on change streams.
const (
	EventDelta  = "delta"
	EventResync = "resync"
	EventOutbid = "outbid"
)

type sseSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *sseSink) send(name, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := sse.Encode(s.w, sse.Event{Event: name, Id: id, Data: data}); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseSink) delta(id int64, d feed.Delta) error {
	return s.send(EventDelta, strconv.FormatInt(id, 10), d)
}

func (s *sseSink) resync(id int64, v any) error {
	return s.send(EventResync, strconv.FormatInt(id, 10), v)
}

// outbid events carry no id so they never move the client's resume cursor.
func (s *sseSink) outbid(n ledger.Notification) error {
	return s.send(EventOutbid, "", n)
}

func (s *sseSink) keepalive() error {
	if _, err := io.WriteString(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// streamSSE serves GET /changes as text/event-stream.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	f, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sr, ok := s.checkStream(w, r)
	if !ok {
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	if err := s.follow(r.Context(), sr, &sseSink{w: w, f: f}); err != nil {
		s.logger.DebugContext(r.Context(), "change stream closed",
			slog.String("listing_id", sr.cursor.ListingID),
			slog.Any("error", err),
		)
	}
}
