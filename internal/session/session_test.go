package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/service/messages"
	"github.com/vovakirdan/itemchat-server/internal/store"
	"github.com/vovakirdan/itemchat-server/internal/store/sqlite"
)

var fastBackoff = Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}

type fixture struct {
	hub     *core.Hub
	stopHub context.CancelFunc
	svc     *messages.Service
	store   *sqlite.SQLiteStore
	alice   *store.User
	bob     *store.User
	conv    *store.Conversation
	other   *store.Conversation
}

func newFixture(t *testing.T, buffer int) fixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	alice, err := st.CreateUser(ctx, "alice", "Alice", "hash")
	require.NoError(t, err)
	bob, err := st.CreateUser(ctx, "bob", "Bob", "hash")
	require.NoError(t, err)

	phone := &store.Item{OwnerID: alice.ID, Title: "Phone"}
	require.NoError(t, st.CreateItem(ctx, phone))
	scarf := &store.Item{OwnerID: bob.ID, Title: "Scarf"}
	require.NoError(t, st.CreateItem(ctx, scarf))

	conv, err := st.CreateConversation(ctx, phone.ID, alice.ID, bob.ID)
	require.NoError(t, err)
	other, err := st.CreateConversation(ctx, scarf.ID, alice.ID, bob.ID)
	require.NoError(t, err)

	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := core.NewHub(buffer, nil)
	go hub.Run(hubCtx)

	svc := messages.New(st, hub, messages.Options{})
	return fixture{hub: hub, stopHub: cancel, svc: svc, store: st, alice: alice, bob: bob, conv: conv, other: other}
}

func (f fixture) send(t *testing.T, conv *store.Conversation, sender *store.User, content string) *store.Message {
	t.Helper()
	msg, err := f.svc.Append(context.Background(), conv.ID, sender.ID, content)
	require.NoError(t, err)
	return msg
}

func nextDelivery(t *testing.T, st *Stream) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := st.Next(ctx)
	require.NoError(t, err)
	return d
}

func seqs(msgs []store.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestOpenReturnsHistoryThenLiveMessages(t *testing.T) {
	f := newFixture(t, 16)
	f.send(t, f.conv, f.bob, "found your phone")
	f.send(t, f.conv, f.bob, "where to meet?")

	s := New(context.Background(), f.svc, f.alice.ID)
	require.Equal(t, StateUnopened, s.State())

	history, stream, err := s.Open(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, seqs(history))
	require.Equal(t, StateSubscribed, s.State())

	f.send(t, f.conv, f.bob, "at the library")
	d := nextDelivery(t, stream)
	require.False(t, d.Resync)
	require.Equal(t, []int64{3}, seqs(d.Messages))
	require.Equal(t, "at the library", d.Messages[0].Content)
	require.Equal(t, int64(3), stream.LastSeq())
}

func TestDuplicatePushesAreDropped(t *testing.T) {
	f := newFixture(t, 16)
	first := f.send(t, f.conv, f.bob, "hello")

	s := New(context.Background(), f.svc, f.alice.ID)
	history, stream, err := s.Open(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// A push that raced with the history read.
	f.hub.Publish(*first)
	f.send(t, f.conv, f.bob, "again")

	d := nextDelivery(t, stream)
	require.Equal(t, []int64{2}, seqs(d.Messages))
}

func TestSyncThenPushDoesNotRepeat(t *testing.T) {
	f := newFixture(t, 16)

	s := New(context.Background(), f.svc, f.alice.ID)
	_, stream, err := s.Open(context.Background(), f.conv.ID)
	require.NoError(t, err)

	f.send(t, f.conv, f.bob, "one")

	d, err := s.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{1}, seqs(d.Messages))

	f.send(t, f.conv, f.bob, "two")
	d = nextDelivery(t, stream)
	require.Equal(t, []int64{2}, seqs(d.Messages))
}

func TestOverflowResyncsGap(t *testing.T) {
	f := newFixture(t, 1)

	s := New(context.Background(), f.svc, f.alice.ID, WithBackoff(fastBackoff))
	_, stream, err := s.Open(context.Background(), f.conv.ID)
	require.NoError(t, err)

	for _, text := range []string{"a", "b", "c"} {
		f.send(t, f.conv, f.bob, text)
	}
	waitFor(t, func() bool { return f.hub.SubscriberCount(f.conv.ID) == 0 })

	d := nextDelivery(t, stream)
	require.True(t, d.Resync)
	require.Equal(t, []int64{1, 2, 3}, seqs(d.Messages))
	require.Equal(t, StateSubscribed, s.State())
	require.Equal(t, 1, f.hub.SubscriberCount(f.conv.ID))

	f.send(t, f.conv, f.bob, "d")
	d = nextDelivery(t, stream)
	require.False(t, d.Resync)
	require.Equal(t, []int64{4}, seqs(d.Messages))
}

func TestOpeningAnotherConversationDetachesStream(t *testing.T) {
	f := newFixture(t, 16)
	s := New(context.Background(), f.svc, f.alice.ID)

	_, first, err := s.Open(context.Background(), f.conv.ID)
	require.NoError(t, err)
	_, second, err := s.Open(context.Background(), f.other.ID)
	require.NoError(t, err)

	_, err = first.Next(context.Background())
	require.ErrorIs(t, err, ErrDetached)
	_, err = first.Sync(context.Background())
	require.ErrorIs(t, err, ErrDetached)

	f.send(t, f.conv, f.bob, "phone chat")
	f.send(t, f.other, f.bob, "scarf chat")

	d := nextDelivery(t, second)
	require.Equal(t, f.other.ID, d.ConversationID)
	require.Equal(t, "scarf chat", d.Messages[0].Content)

	waitFor(t, func() bool { return f.hub.SubscriberCount(f.conv.ID) == 0 })
}

func TestOpenRejectsOutsider(t *testing.T) {
	f := newFixture(t, 16)
	ctx := context.Background()

	carol, err := f.store.CreateUser(ctx, "carol", "Carol", "hash")
	require.NoError(t, err)

	s := New(ctx, f.svc, carol.ID)
	_, _, err = s.Open(ctx, f.conv.ID)
	require.ErrorIs(t, err, core.ErrUnauthorized)
	require.Equal(t, StateUnopened, s.State())
	require.Zero(t, f.hub.TopicCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, 16)
	s := New(context.Background(), f.svc, f.alice.ID)

	_, stream, err := s.Open(context.Background(), f.conv.ID)
	require.NoError(t, err)

	s.Close()
	s.Close()
	stream.Close()

	require.Equal(t, StateUnopened, s.State())
	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, ErrDetached)
	_, _, err = s.Open(context.Background(), f.conv.ID)
	require.ErrorIs(t, err, ErrClosed)
	waitFor(t, func() bool { return f.hub.TopicCount() == 0 })
}

func TestBaseContextEndsSubscription(t *testing.T) {
	f := newFixture(t, 16)
	ctx, cancel := context.WithCancel(context.Background())

	s := New(ctx, f.svc, f.alice.ID)
	_, stream, err := s.Open(context.Background(), f.conv.ID)
	require.NoError(t, err)

	cancel()
	waitFor(t, func() bool { return f.hub.TopicCount() == 0 })

	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, ErrDetached)
}

func TestHubShutdownEndsStream(t *testing.T) {
	f := newFixture(t, 16)
	s := New(context.Background(), f.svc, f.alice.ID, WithBackoff(Backoff{Initial: time.Minute, Max: time.Minute, MaxAttempts: 3}))

	_, stream, err := s.Open(context.Background(), f.conv.ID)
	require.NoError(t, err)

	f.stopHub()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, core.ErrHubClosed)
	require.Equal(t, core.ErrCodeUnavailable, core.CodeOf(err))
}

// flakyMessages fails the next failures Subscribe calls.
type flakyMessages struct {
	*messages.Service
	failures atomic.Int32
}

func (f *flakyMessages) Subscribe(ctx context.Context, conversationID int64, viewer core.Viewer) (*core.Subscription, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: broker down", core.ErrUnavailable)
	}
	return f.Service.Subscribe(ctx, conversationID, viewer)
}

func TestFailedResubscribePollsLog(t *testing.T) {
	f := newFixture(t, 1)
	flaky := &flakyMessages{Service: f.svc}

	s := New(context.Background(), flaky, f.alice.ID, WithBackoff(fastBackoff))
	_, stream, err := s.Open(context.Background(), f.conv.ID)
	require.NoError(t, err)

	flaky.failures.Store(2)
	for _, text := range []string{"a", "b", "c"} {
		f.send(t, f.conv, f.bob, text)
	}
	waitFor(t, func() bool { return f.hub.SubscriberCount(f.conv.ID) == 0 })

	d := nextDelivery(t, stream)
	require.True(t, d.Resync)
	require.Equal(t, []int64{1, 2, 3}, seqs(d.Messages))
	require.Equal(t, StateReconnecting, s.State())
	require.Zero(t, f.hub.SubscriberCount(f.conv.ID))

	// Still no push; the next poll picks this up.
	f.send(t, f.conv, f.bob, "d")
	d = nextDelivery(t, stream)
	require.True(t, d.Resync)
	require.Equal(t, []int64{4}, seqs(d.Messages))
	require.Equal(t, StateReconnecting, s.State())

	d = nextDelivery(t, stream)
	require.True(t, d.Resync)
	require.Empty(t, d.Messages)
	require.Equal(t, StateSubscribed, s.State())
	require.Equal(t, 1, f.hub.SubscriberCount(f.conv.ID))

	f.send(t, f.conv, f.bob, "e")
	d = nextDelivery(t, stream)
	require.False(t, d.Resync)
	require.Equal(t, []int64{5}, seqs(d.Messages))
}

func TestBackoffDelayIsBounded(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, MaxAttempts: 5}

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{attempt: 1, base: 10 * time.Millisecond},
		{attempt: 2, base: 20 * time.Millisecond},
		{attempt: 3, base: 40 * time.Millisecond},
		{attempt: 8, base: 40 * time.Millisecond},
	}
	for _, tt := range tests {
		d := b.delay(tt.attempt)
		require.GreaterOrEqual(t, d, tt.base)
		require.LessOrEqual(t, d, tt.base+tt.base/2)
	}
}
