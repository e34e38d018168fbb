package core

import (
	"context"
	"sync"

	"github.com/vovakirdan/itemchat-server/internal/store"
)

// Viewer identifies one connected client session of a user.
type Viewer struct {
	UserID    int64
	SessionID string
}

// Subscription is a live (viewer, conversation) binding held by the Hub.
// Messages are buffered up to the hub's subscriber buffer size; overflow closes the
// subscription with ErrResyncRequired.
type Subscription struct {
	ConversationID int64
	Viewer         Viewer

	events chan store.Message
	done   chan struct{}

	// position in the topic stream at the time of subscribing
	from uint64

	mu     sync.Mutex
	closed bool
	err    error
	stop   func() bool
}

func newSubscription(conversationID int64, viewer Viewer, size int) *Subscription {
	if size <= 0 {
		size = 1
	}
	return &Subscription{
		ConversationID: conversationID,
		Viewer:         viewer,
		events:         make(chan store.Message, size),
		done:           make(chan struct{}),
	}
}

// Events exposes the delivery channel. It is never closed; select on Done as well.
func (s *Subscription) Events() <-chan store.Message {
	return s.events
}

// Done is closed once the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription ended, or nil while it is active.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next blocks until the next pushed message, the end of the subscription, or ctx cancellation.
// Nothing is returned from the buffer once the subscription has ended.
func (s *Subscription) Next(ctx context.Context) (store.Message, error) {
	select {
	case <-s.done:
		return store.Message{}, s.Err()
	default:
	}

	select {
	case <-s.done:
		return store.Message{}, s.Err()
	case <-ctx.Done():
		return store.Message{}, ctx.Err()
	case msg := <-s.events:
		select {
		case <-s.done:
			return store.Message{}, s.Err()
		default:
		}
		return msg, nil
	}
}

// deliver hands a message to the subscriber without blocking.
// It reports false if the subscription is closed or just overflowed.
func (s *Subscription) deliver(msg store.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.events <- msg:
		return true
	default:
		s.closeLocked(ErrResyncRequired)
		return false
	}
}

func (s *Subscription) bind(stop func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		stop()
		return
	}
	s.stop = stop
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(err)
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	if s.stop != nil {
		s.stop()
	}
}
