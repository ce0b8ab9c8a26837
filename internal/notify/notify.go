// Package notify delivers outbid notifications to bidders.
//
// Notifications are persisted together with the bid that caused them. The
// Dispatcher then tries a live hand-off to the recipient's open change feed
// and, when an external sender is configured, a direct message. Failures are
// logged and never reach the bidder who caused them; undelivered
// notifications stay pending until a stream flushes them or the user pulls.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/ledger"
	"github.com/jensholdgaard/bidsync/internal/store"
)

// ErrDelivery marks a notification that could not be delivered.
var ErrDelivery = errors.New("notification delivery failed")

// NewOutbid builds the notification for recipient, whose leading bid of
// oldAmount was superseded by newAmount at ledger sequence seq.
func NewOutbid(recipientID, listingID string, oldAmount, newAmount decimal.Decimal, seq int64, at time.Time) ledger.Notification {
	return ledger.Notification{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		ListingID:   listingID,
		OldAmount:   oldAmount,
		NewAmount:   newAmount,
		Sequence:    seq,
		CreatedAt:   at,
	}
}

// LiveDeliverer hands a notification to a user's open connections.
type LiveDeliverer interface {
	Deliver(userID string, n ledger.Notification) bool
}

// Sender delivers a notification outside the application.
type Sender interface {
	Send(ctx context.Context, u User, n ledger.Notification) error
}

type job struct {
	user User
	n    ledger.Notification
}

// Dispatcher routes outbid notifications to live streams and external senders.
type Dispatcher struct {
	repo   store.NotificationRepository
	live   LiveDeliverer
	dir    Directory
	sender Sender

	queue       chan job
	maxAttempts int
	retryDelay  time.Duration

	logger    *slog.Logger
	tracer    trace.Tracer
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// NewDispatcher creates a Dispatcher. sender may be nil, in which case only
// live and pull delivery are used.
func NewDispatcher(
	cfg config.NotifyConfig,
	repo store.NotificationRepository,
	live LiveDeliverer,
	dir Directory,
	sender Sender,
	logger *slog.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) *Dispatcher {
	meter := mp.Meter("github.com/jensholdgaard/bidsync/internal/notify")
	delivered, _ := meter.Int64Counter("notifications.delivered",
		metric.WithDescription("Outbid notifications delivered, by channel."))
	failed, _ := meter.Int64Counter("notifications.failed",
		metric.WithDescription("Outbid notification deliveries that gave up."))

	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Dispatcher{
		repo:        repo,
		live:        live,
		dir:         dir,
		sender:      sender,
		queue:       make(chan job, size),
		maxAttempts: attempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logger,
		tracer:      tp.Tracer("github.com/jensholdgaard/bidsync/internal/notify"),
		delivered:   delivered,
		failed:      failed,
	}
}

// NotifyOutbid starts delivery of n. It never blocks on delivery channels.
func (d *Dispatcher) NotifyOutbid(ctx context.Context, n ledger.Notification) {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.NotifyOutbid",
		trace.WithAttributes(
			attribute.String("notification.id", n.ID),
			attribute.String("recipient.id", n.RecipientID),
			attribute.String("listing.id", n.ListingID),
		),
	)
	defer span.End()

	if d.live != nil && d.live.Deliver(n.RecipientID, n) {
		d.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "stream")))
		d.logger.DebugContext(ctx, "outbid notification handed to live stream",
			slog.String("notification_id", n.ID),
			slog.String("recipient_id", n.RecipientID),
		)
	}

	if d.sender == nil || d.dir == nil {
		return
	}
	u, ok := d.dir.Lookup(n.RecipientID)
	if !ok || u.DiscordID == "" {
		return
	}

	select {
	case d.queue <- job{user: u, n: n}:
	default:
		d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "discord")))
		d.logger.WarnContext(ctx, "notification queue full",
			slog.String("notification_id", n.ID),
			slog.Any("error", ErrDelivery),
		)
	}
}

// Run delivers queued external notifications until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-d.queue:
			if err := d.send(ctx, j); err != nil {
				d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "discord")))
				d.logger.ErrorContext(ctx, "delivering outbid notification",
					slog.String("notification_id", j.n.ID),
					slog.String("recipient_id", j.n.RecipientID),
					slog.Any("error", err),
				)
			}
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, j job) error {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.send",
		trace.WithAttributes(attribute.String("notification.id", j.n.ID)),
	)
	defer span.End()

	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err = d.sender.Send(ctx, j.user, j.n); err == nil {
			d.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "discord")))
			if err := d.repo.MarkDelivered(ctx, j.n.ID); err != nil {
				d.logger.WarnContext(ctx, "marking notification delivered", slog.Any("error", err))
			}
			return nil
		}
		if attempt == d.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrDelivery, ctx.Err())
		case <-time.After(d.retryDelay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrDelivery, d.maxAttempts, err)
}

// Undelivered returns userID's undelivered notifications without marking
// them. Callers Ack or Pulled what they manage to write.
func (d *Dispatcher) Undelivered(ctx context.Context, userID string) ([]ledger.Notification, error) {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.Undelivered",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	out, err := d.repo.ListUndelivered(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading undelivered notifications: %w", err)
	}
	return out, nil
}

// Ack marks notifications as delivered once a stream has written them.
func (d *Dispatcher) Ack(ctx context.Context, ids ...string) error {
	if err := d.repo.MarkDelivered(ctx, ids...); err != nil {
		return fmt.Errorf("acknowledging notifications: %w", err)
	}
	return nil
}

// Pulled marks notifications delivered after a client fetched them.
func (d *Dispatcher) Pulled(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := d.repo.MarkDelivered(ctx, ids...); err != nil {
		return fmt.Errorf("marking notifications delivered: %w", err)
	}
	d.delivered.Add(ctx, int64(len(ids)), metric.WithAttributes(attribute.String("channel", "pull")))
	return nil
}
