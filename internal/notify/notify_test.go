package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/ledger"
	"github.com/jensholdgaard/bidsync/internal/notify"
)

// mockRepo is an in-memory store.NotificationRepository.
type mockRepo struct {
	mu      sync.Mutex
	pending map[string][]ledger.Notification
	marked  []string
}

func newMockRepo(ns ...ledger.Notification) *mockRepo {
	r := &mockRepo{pending: map[string][]ledger.Notification{}}
	for _, n := range ns {
		r.pending[n.RecipientID] = append(r.pending[n.RecipientID], n)
	}
	return r
}

func (r *mockRepo) ListUndelivered(_ context.Context, recipientID string) ([]ledger.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ledger.Notification
	for _, n := range r.pending[recipientID] {
		if !n.Delivered {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *mockRepo) MarkDelivered(_ context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked = append(r.marked, ids...)
	for user, ns := range r.pending {
		for i := range ns {
			for _, id := range ids {
				if ns[i].ID == id {
					r.pending[user][i].Delivered = true
				}
			}
		}
	}
	return nil
}

func (r *mockRepo) markedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.marked...)
}

type mockLive struct {
	got []ledger.Notification
	ok  bool
}

func (m *mockLive) Deliver(_ string, n ledger.Notification) bool {
	m.got = append(m.got, n)
	return m.ok
}

type mockSender struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     chan ledger.Notification
}

func (s *mockSender) Send(_ context.Context, _ notify.User, n ledger.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("discord unavailable")
	}
	s.sent <- n
	return nil
}

func (s *mockSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newDispatcher(cfg config.NotifyConfig, repo *mockRepo, live notify.LiveDeliverer, sender notify.Sender) *notify.Dispatcher {
	dir := notify.NewStaticDirectory(map[string]config.UserConfig{
		"alice": {Name: "Alice", DiscordID: "1001"},
		"bob":   {Name: "Bob"},
	})
	return notify.NewDispatcher(cfg, repo, live, dir, sender, testLogger,
		noop.NewTracerProvider(), metricnoop.NewMeterProvider())
}

func outbid(id, recipient string) ledger.Notification {
	n := notify.NewOutbid(recipient, "L", decimal.NewFromInt(1100), decimal.NewFromInt(1200), 2,
		time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	n.ID = id
	return n
}

func TestNewOutbid(t *testing.T) {
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	n := notify.NewOutbid("alice", "L", decimal.NewFromInt(1100), decimal.NewFromInt(1200), 3, at)

	if n.ID == "" {
		t.Error("expected generated ID")
	}
	if n.RecipientID != "alice" || n.ListingID != "L" || n.Sequence != 3 {
		t.Errorf("unexpected notification %+v", n)
	}
	if !n.OldAmount.Equal(decimal.NewFromInt(1100)) || !n.NewAmount.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("got amounts %s -> %s, want 1100 -> 1200", n.OldAmount, n.NewAmount)
	}
	if n.Delivered {
		t.Error("new notification must be undelivered")
	}
}

func TestDispatcher_LiveAndExternal(t *testing.T) {
	repo := newMockRepo()
	live := &mockLive{ok: true}
	sender := &mockSender{sent: make(chan ledger.Notification, 1)}
	d := newDispatcher(config.NotifyConfig{QueueSize: 4, MaxAttempts: 3, RetryDelay: time.Millisecond}, repo, live, sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.NotifyOutbid(context.Background(), outbid("n1", "alice"))

	if len(live.got) != 1 {
		t.Fatalf("got %d live deliveries, want 1", len(live.got))
	}
	select {
	case n := <-sender.sent:
		if n.ID != "n1" {
			t.Errorf("sent %q, want n1", n.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("external sender not called")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(repo.markedIDs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := repo.markedIDs(); len(got) != 1 || got[0] != "n1" {
		t.Errorf("marked %v, want [n1]", got)
	}
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	repo := newMockRepo()
	sender := &mockSender{failures: 2, sent: make(chan ledger.Notification, 1)}
	d := newDispatcher(config.NotifyConfig{QueueSize: 4, MaxAttempts: 3, RetryDelay: time.Millisecond}, repo, &mockLive{}, sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.NotifyOutbid(context.Background(), outbid("n1", "alice"))

	select {
	case <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("notification never sent")
	}
	if got := sender.callCount(); got != 3 {
		t.Errorf("got %d attempts, want 3", got)
	}
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	repo := newMockRepo()
	sender := &mockSender{failures: 100, sent: make(chan ledger.Notification, 1)}
	d := newDispatcher(config.NotifyConfig{QueueSize: 4, MaxAttempts: 2, RetryDelay: time.Millisecond}, repo, &mockLive{}, sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.NotifyOutbid(context.Background(), outbid("n1", "alice"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := sender.callCount(); got != 2 {
		t.Errorf("got %d attempts, want 2", got)
	}
	if got := repo.markedIDs(); len(got) != 0 {
		t.Errorf("marked %v, want nothing", got)
	}
}

func TestDispatcher_SkipsUsersWithoutDiscord(t *testing.T) {
	sender := &mockSender{sent: make(chan ledger.Notification, 1)}
	d := newDispatcher(config.NotifyConfig{QueueSize: 1, MaxAttempts: 1}, newMockRepo(), &mockLive{}, sender)

	// No Run loop: a queued job would fill the queue; unknown users and users
	// without a Discord id never reach it.
	d.NotifyOutbid(context.Background(), outbid("n1", "bob"))
	d.NotifyOutbid(context.Background(), outbid("n2", "mallory"))
	d.NotifyOutbid(context.Background(), outbid("n3", "alice"))
	// Queue is full now; this must not block.
	d.NotifyOutbid(context.Background(), outbid("n4", "alice"))

	if got := sender.callCount(); got != 0 {
		t.Errorf("got %d sends without a worker, want 0", got)
	}
}

func TestDispatcher_UndeliveredAndAck(t *testing.T) {
	repo := newMockRepo(outbid("n1", "alice"), outbid("n2", "alice"), outbid("n3", "bob"))
	d := newDispatcher(config.NotifyConfig{QueueSize: 1, MaxAttempts: 1}, repo, nil, nil)
	ctx := context.Background()

	undelivered, err := d.Undelivered(ctx, "bob")
	if err != nil {
		t.Fatalf("Undelivered: %v", err)
	}
	if len(undelivered) != 1 {
		t.Fatalf("got %d undelivered for bob, want 1", len(undelivered))
	}
	if err := d.Ack(ctx, "n3"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if again, _ := d.Undelivered(ctx, "bob"); len(again) != 0 {
		t.Errorf("got %d undelivered after ack, want 0", len(again))
	}

	got, err := d.Undelivered(ctx, "alice")
	if err != nil {
		t.Fatalf("Undelivered: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d undelivered for alice, want 2", len(got))
	}
	// Reading alone leaves them undelivered until the caller confirms.
	if again, _ := d.Undelivered(ctx, "alice"); len(again) != 2 {
		t.Fatalf("got %d undelivered on second read, want 2", len(again))
	}
	if err := d.Pulled(ctx, got[0].ID, got[1].ID); err != nil {
		t.Fatalf("Pulled: %v", err)
	}
	if again, _ := d.Undelivered(ctx, "alice"); len(again) != 0 {
		t.Errorf("got %d undelivered after pull, want 0", len(again))
	}
	if err := d.Pulled(ctx); err != nil {
		t.Errorf("Pulled with no ids: %v", err)
	}
}

func TestStaticDirectory(t *testing.T) {
	dir := notify.NewStaticDirectory(map[string]config.UserConfig{"alice": {Name: "Alice", DiscordID: "1001"}})

	u, ok := dir.Lookup("alice")
	if !ok || u.DiscordID != "1001" || u.ID != "alice" {
		t.Errorf("Lookup(alice) = %+v, %v", u, ok)
	}
	if dir.Known("bob") {
		t.Error("bob should be unknown")
	}
	if u, ok := dir.ByDiscordID("1001"); !ok || u.ID != "alice" {
		t.Errorf("ByDiscordID(1001) = %+v, %v", u, ok)
	}
	if _, ok := dir.ByDiscordID(""); ok {
		t.Error("empty discord id should not resolve")
	}
}
