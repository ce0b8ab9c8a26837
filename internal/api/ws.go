package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jensholdgaard/bidsync/internal/feed"
	"github.com/jensholdgaard/bidsync/internal/ledger"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSMessage is one change stream event on a websocket.
type WSMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) send(typ, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(WSMessage{Type: typ, ID: id, Data: data})
}

func (s *wsSink) delta(id int64, d feed.Delta) error {
	return s.send(EventDelta, strconv.FormatInt(id, 10), d)
}

func (s *wsSink) resync(id int64, v any) error {
	return s.send(EventResync, strconv.FormatInt(id, 10), v)
}

func (s *wsSink) outbid(n ledger.Notification) error {
	return s.send(EventOutbid, "", n)
}

func (s *wsSink) keepalive() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// streamWS serves GET /changes/ws with the same events as the SSE stream.
func (s *Server) streamWS(w http.ResponseWriter, r *http.Request) {
	sr, ok := s.checkStream(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Clients never send anything; reading only detects the disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.follow(ctx, sr, &wsSink{conn: conn}); err != nil {
		s.logger.DebugContext(ctx, "websocket stream closed",
			slog.String("listing_id", sr.cursor.ListingID),
			slog.Any("error", err),
		)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}
