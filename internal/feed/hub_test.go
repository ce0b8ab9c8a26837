package feed_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/feed"
	"github.com/jensholdgaard/bidsync/internal/ledger"
)

func newHub(retention int) *feed.Hub {
	return feed.NewHub(config.FeedConfig{
		Retention:       retention,
		GlobalRetention: retention,
		KeepAlive:       time.Second,
		InboxSize:       2,
	}, noop.NewMeterProvider())
}

func delta(listingID string, version, seq int64) feed.Delta {
	return feed.Delta{
		ListingID:  listingID,
		CurrentBid: decimal.NewFromInt(1000 + 100*version),
		Version:    version,
		Sequence:   seq,
	}
}

func drain(t *testing.T, sub *feed.Subscription) []feed.Delta {
	t.Helper()
	var out []feed.Delta
	for {
		d, ok, err := sub.Next(context.Background(), 10*time.Millisecond)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

func TestSubscribe_ResumesAfterVersion(t *testing.T) {
	hub := newHub(16)
	for v := int64(1); v <= 5; v++ {
		hub.Publish(delta("L", v, v))
	}

	tests := []struct {
		name  string
		after int64
		want  []int64
	}{
		{"from start", 0, []int64{1, 2, 3, 4, 5}},
		{"middle", 3, []int64{4, 5}},
		{"caught up", 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := hub.Subscribe(feed.Cursor{ListingID: "L", After: tt.after})
			require.NoError(t, err)
			defer sub.Close()

			var got []int64
			for _, d := range drain(t, sub) {
				got = append(got, d.Version)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubscribe_OutsideWindow(t *testing.T) {
	hub := newHub(3)
	for v := int64(1); v <= 10; v++ {
		hub.Publish(delta("L", v, v))
	}

	_, err := hub.Subscribe(feed.Cursor{ListingID: "L", After: 2})
	assert.ErrorIs(t, err, feed.ErrResyncRequired)

	_, err = hub.Subscribe(feed.Cursor{ListingID: "L", After: 11})
	assert.ErrorIs(t, err, feed.ErrResyncRequired)

	sub, err := hub.Subscribe(feed.Cursor{ListingID: "L", After: 7})
	require.NoError(t, err)
	defer sub.Close()
	assert.Len(t, drain(t, sub), 3)
}

func TestSubscription_SlowReaderResyncs(t *testing.T) {
	hub := newHub(2)
	sub, err := hub.Subscribe(feed.Cursor{ListingID: "L"})
	require.NoError(t, err)
	defer sub.Close()

	// The reader never keeps up; publishing must still complete.
	for v := int64(1); v <= 1000; v++ {
		hub.Publish(delta("L", v, v))
	}

	_, _, err = sub.Next(context.Background(), time.Millisecond)
	assert.True(t, errors.Is(err, feed.ErrResyncRequired))
}

func TestSubscription_WakesOnPublish(t *testing.T) {
	hub := newHub(8)
	sub, err := hub.Subscribe(feed.Cursor{ListingID: "L"})
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan feed.Delta, 1)
	go func() {
		d, ok, err := sub.Next(context.Background(), 0)
		if err == nil && ok {
			done <- d
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	hub.Publish(delta("L", 1, 1))

	select {
	case d := <-done:
		assert.Equal(t, int64(1), d.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not woken")
	}
}

func TestSubscription_KeepaliveAndCancel(t *testing.T) {
	hub := newHub(8)
	sub, err := hub.Subscribe(feed.Cursor{ListingID: "L"})
	require.NoError(t, err)
	defer sub.Close()

	_, ok, err := sub.Next(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = sub.Next(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribe_Global(t *testing.T) {
	hub := newHub(16)
	hub.Publish(delta("A", 1, 1))
	hub.Publish(delta("B", 1, 2))
	hub.Publish(delta("A", 2, 3))

	sub, err := hub.Subscribe(feed.Cursor{After: 1})
	require.NoError(t, err)
	defer sub.Close()

	got := drain(t, sub)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].ListingID)
	assert.Equal(t, int64(3), got[1].Sequence)
	assert.Equal(t, int64(3), sub.Cursor())
	assert.Equal(t, int64(3), hub.Latest(feed.Cursor{}))
	assert.Equal(t, int64(2), hub.Latest(feed.Cursor{ListingID: "A"}))
}

func TestSeed(t *testing.T) {
	hub := newHub(16)
	hub.Seed("L", 41)
	hub.SeedGlobal(90)

	_, err := hub.Subscribe(feed.Cursor{ListingID: "L", After: 40})
	assert.ErrorIs(t, err, feed.ErrResyncRequired)

	sub, err := hub.Subscribe(feed.Cursor{ListingID: "L", After: 41})
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(delta("L", 42, 91))
	got := drain(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, int64(42), got[0].Version)

	// Seeding a known listing is a no-op.
	hub.Seed("L", 3)
	assert.Equal(t, int64(42), hub.Latest(feed.Cursor{ListingID: "L"}))

	gsub, err := hub.Subscribe(feed.Cursor{After: 90})
	require.NoError(t, err)
	defer gsub.Close()
	assert.Len(t, drain(t, gsub), 1)
}

func TestSeed_LiftsEmptyStream(t *testing.T) {
	hub := newHub(16)
	sub, err := hub.Subscribe(feed.Cursor{ListingID: "L"})
	require.NoError(t, err)
	sub.Close()

	hub.Seed("L", 7)
	assert.Equal(t, int64(7), hub.Latest(feed.Cursor{ListingID: "L"}))

	sub, err = hub.Subscribe(feed.Cursor{ListingID: "L", After: 7})
	require.NoError(t, err)
	sub.Close()
}

func TestDrop(t *testing.T) {
	hub := newHub(16)
	hub.Publish(delta("A", 1, 1))
	hub.Publish(delta("B", 1, 2))
	require.Equal(t, 2, hub.Streams())

	hub.Drop("A")
	assert.Equal(t, 1, hub.Streams(), "unwatched stream is forgotten at once")
	assert.Equal(t, int64(0), hub.Latest(feed.Cursor{ListingID: "A"}))

	sub, err := hub.Subscribe(feed.Cursor{ListingID: "B"})
	require.NoError(t, err)
	hub.Drop("B")
	assert.Equal(t, 1, hub.Streams(), "watched stream outlives Drop")
	got := drain(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Version)

	sub.Close()
	assert.Equal(t, 0, hub.Streams())
	sub.Close()
	assert.Equal(t, 0, hub.Streams())

	// The global stream is unaffected.
	gsub, err := hub.Subscribe(feed.Cursor{})
	require.NoError(t, err)
	defer gsub.Close()
	assert.Len(t, drain(t, gsub), 2)

	hub.Drop("missing")
}

func TestInbox(t *testing.T) {
	hub := newHub(4)
	n := ledger.Notification{ID: "n1", RecipientID: "alice"}

	assert.False(t, hub.Deliver("alice", n), "no inbox open")

	in := hub.OpenInbox("alice")
	assert.True(t, hub.Deliver("alice", n))
	assert.True(t, hub.Deliver("alice", n))
	assert.False(t, hub.Deliver("alice", n), "inbox full")

	got := <-in.C()
	assert.Equal(t, "n1", got.ID)

	in.Close()
	assert.False(t, hub.Deliver("alice", n))
}
