// Package api serves the bid, listing and change feed endpoints over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/bidding"
	"github.com/jensholdgaard/bidsync/internal/feed"
	"github.com/jensholdgaard/bidsync/internal/health"
	"github.com/jensholdgaard/bidsync/internal/ledger"
	"github.com/jensholdgaard/bidsync/internal/store"
)

// Bids is the bidding surface the API serves.
type Bids interface {
	SubmitBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (bidding.Result, error)
	Get(ctx context.Context, listingID string) (store.Listing, error)
	History(ctx context.Context, listingID string, sinceSequence int64, limit int) ([]ledger.Bid, error)
	CreateListing(ctx context.Context, nl bidding.NewListing) (store.Listing, error)
	StartListing(ctx context.Context, listingID string) (store.Listing, error)
	EndListing(ctx context.Context, listingID string) (store.Listing, error)
	LastSequence() int64
}

// Feed is the change feed streams read from.
type Feed interface {
	Seed(listingID string, version int64)
	Drop(listingID string)
	Subscribe(c feed.Cursor) (*feed.Subscription, error)
	OpenInbox(userID string) *feed.Inbox
}

// Notifications gives access to stored outbid notifications.
type Notifications interface {
	Undelivered(ctx context.Context, userID string) ([]ledger.Notification, error)
	Ack(ctx context.Context, ids ...string) error
	Pulled(ctx context.Context, ids ...string) error
}

// Options configures a Server.
type Options struct {
	AllowedOrigins []string
	// KeepAlive is the idle time after which streams send a keepalive.
	KeepAlive time.Duration
	// JWTSecret enables bearer token checks when non-empty.
	JWTSecret string
	// Serving reports whether this replica may serve bids and streams.
	// Nil means always.
	Serving func() bool
}

// Server holds the HTTP handlers.
type Server struct {
	bids   Bids
	feed   Feed
	notes  Notifications
	health *health.Handler

	opts   Options
	secret []byte
	logger *slog.Logger
}

// NewServer creates a Server. hh may be nil, in which case no health
// endpoints are mounted.
func NewServer(bids Bids, fd Feed, notes Notifications, hh *health.Handler, opts Options, logger *slog.Logger) *Server {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	return &Server{
		bids:   bids,
		feed:   fd,
		notes:  notes,
		health: hh,
		opts:   opts,
		secret: []byte(opts.JWTSecret),
		logger: logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler())
		r.Get("/readyz", s.health.ReadinessHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.gate)
		r.Use(s.authenticate)

		r.Post("/bids", s.submitBid)

		r.Post("/listings", s.createListing)
		r.Get("/listings/{id}", s.getListing)
		r.Get("/listings/{id}/bids", s.listBids)
		r.Post("/listings/{id}/start", s.startListing)
		r.Post("/listings/{id}/end", s.endListing)

		r.Get("/changes", s.streamSSE)
		r.Get("/changes/ws", s.streamWS)
		r.Get("/notifications", s.pendingNotifications)
	})

	return r
}
