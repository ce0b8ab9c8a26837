package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/ledger"
)

// Listing statuses.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusEnded   = "ended"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Listing represents a listing record.
type Listing struct {
	ID            string          `db:"id"`
	Title         string          `db:"title"`
	Status        string          `db:"status"` // "pending", "active", "ended"
	StartingBid   decimal.Decimal `db:"starting_bid"`
	CurrentBid    decimal.Decimal `db:"current_bid"`
	CurrentBidder string          `db:"current_bidder"`
	Version       int64           `db:"version"`
	EndsAt        *time.Time      `db:"ends_at"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// ListingRepository defines listing persistence operations.
type ListingRepository interface {
	Create(ctx context.Context, l *Listing) error
	GetByID(ctx context.Context, id string) (*Listing, error)
	// ListByStatus returns listings with the given status ordered by creation.
	ListByStatus(ctx context.Context, status string) ([]Listing, error)
	// List returns every listing ordered by creation.
	List(ctx context.Context) ([]Listing, error)
	// SetStatus moves a listing from one status to another.
	SetStatus(ctx context.Context, id, from, to string) error
}

// NotificationRepository defines outbid notification persistence operations.
// Notifications are created by ledger.Store.Append.
type NotificationRepository interface {
	ListUndelivered(ctx context.Context, recipientID string) ([]ledger.Notification, error)
	MarkDelivered(ctx context.Context, ids ...string) error
}
