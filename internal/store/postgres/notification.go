package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/ledger"
)

// NotificationRepo implements store.NotificationRepository with sqlx.
type NotificationRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewNotificationRepo returns a new NotificationRepo.
func NewNotificationRepo(db *sqlx.DB, clk clock.Clock) *NotificationRepo {
	return &NotificationRepo{db: db, clock: clk}
}

func (r *NotificationRepo) ListUndelivered(ctx context.Context, recipientID string) ([]ledger.Notification, error) {
	var out []ledger.Notification
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, recipient_id, listing_id, old_amount, new_amount, sequence, delivered, created_at, delivered_at
		 FROM notifications WHERE recipient_id = $1 AND NOT delivered
		 ORDER BY sequence ASC`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("listing undelivered notifications: %w", err)
	}
	return out, nil
}

func (r *NotificationRepo) MarkDelivered(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET delivered = TRUE, delivered_at = $1
		 WHERE id = ANY($2) AND NOT delivered`,
		r.clock.Now().UTC(), pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("marking notifications delivered: %w", err)
	}
	return nil
}
