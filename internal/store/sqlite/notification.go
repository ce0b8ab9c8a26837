package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/ledger"
)

// NotificationRepo implements store.NotificationRepository using database/sql.
type NotificationRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewNotificationRepo returns a new NotificationRepo.
func NewNotificationRepo(db *sql.DB, clk clock.Clock) *NotificationRepo {
	return &NotificationRepo{db: db, clock: clk}
}

func (r *NotificationRepo) ListUndelivered(ctx context.Context, recipientID string) ([]ledger.Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, recipient_id, listing_id, old_amount, new_amount, sequence, delivered, created_at, delivered_at
		 FROM notifications WHERE recipient_id = ? AND delivered = 0
		 ORDER BY sequence ASC`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("listing undelivered notifications: %w", err)
	}
	defer rows.Close()

	var out []ledger.Notification
	for rows.Next() {
		var n ledger.Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.ListingID, &n.OldAmount, &n.NewAmount,
			&n.Sequence, &n.Delivered, &n.CreatedAt, &n.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NotificationRepo) MarkDelivered(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE notifications SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	now := r.clock.Now().UTC()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return fmt.Errorf("marking notification %s delivered: %w", id, err)
		}
	}
	return tx.Commit()
}

