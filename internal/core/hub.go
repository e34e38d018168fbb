package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/itemchat-server/internal/store"
)

// Hub routes persisted messages to the live subscriptions of their conversation.
// Topics are created on the first subscription and dropped with the last one.
type Hub struct {
	mu      sync.Mutex
	topics  map[int64]*topic
	viewers map[Viewer]*Subscription
	closed  bool

	bufferSize int
	log        *zerolog.Logger
	wg         sync.WaitGroup
}

// NewHub creates a hub whose subscriptions buffer up to bufferSize messages.
func NewHub(bufferSize int, logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		topics:     make(map[int64]*topic),
		viewers:    make(map[Viewer]*Subscription),
		bufferSize: bufferSize,
		log:        logger,
	}
}

// Run blocks until ctx is done and then closes every subscription with ErrHubClosed.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.shutdown()
}

// Subscribe binds viewer to a conversation. A viewer holds at most one subscription;
// any previous one is closed with ErrSubscriptionClosed. The subscription ends when ctx does.
// Callers are expected to have checked that the viewer participates in the conversation.
func (h *Hub) Subscribe(ctx context.Context, conversationID int64, viewer Viewer) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := newSubscription(conversationID, viewer, h.bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if prev, ok := h.viewers[viewer]; ok {
		h.detachLocked(prev, ErrSubscriptionClosed)
	}
	t, ok := h.topics[conversationID]
	if !ok {
		t = newTopic(conversationID, func(s *Subscription) { h.release(s, ErrResyncRequired) })
		h.topics[conversationID] = t
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			t.run()
		}()
	}
	t.add(sub)
	h.viewers[viewer] = sub
	h.mu.Unlock()

	sub.bind(context.AfterFunc(ctx, func() { h.release(sub, ErrSubscriptionClosed) }))

	h.log.Debug().
		Int64("conversation_id", conversationID).
		Int64("user_id", viewer.UserID).
		Str("session_id", viewer.SessionID).
		Msg("subscribed")
	return sub, nil
}

// Unsubscribe ends the viewer's subscription if it targets conversationID.
// It is idempotent.
func (h *Hub) Unsubscribe(conversationID int64, viewer Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.viewers[viewer]
	if !ok || sub.ConversationID != conversationID {
		return
	}
	h.detachLocked(sub, ErrSubscriptionClosed)
}

// Publish fans msg out to the current subscribers of its conversation.
// Publishing to a conversation nobody watches is a no-op.
func (h *Hub) Publish(msg store.Message) {
	h.mu.Lock()
	t, ok := h.topics[msg.ConversationID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if t.publish(msg) {
		return
	}

	h.log.Warn().Int64("conversation_id", msg.ConversationID).Msg("topic inbox full, forcing resync")
	for _, s := range t.snapshot() {
		h.release(s, ErrResyncRequired)
	}
}

// TopicCount returns the number of conversations with live subscribers.
func (h *Hub) TopicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// SubscriberCount returns the number of live subscriptions to a conversation.
func (h *Hub) SubscriberCount(conversationID int64) int {
	h.mu.Lock()
	t, ok := h.topics[conversationID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return len(t.snapshot())
}

func (h *Hub) release(sub *Subscription, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(sub, err)
}

func (h *Hub) detachLocked(sub *Subscription, err error) {
	if t, ok := h.topics[sub.ConversationID]; ok {
		if t.remove(sub) && t.empty() {
			t.stop()
			delete(h.topics, sub.ConversationID)
		}
	}
	if h.viewers[sub.Viewer] == sub {
		delete(h.viewers, sub.Viewer)
	}
	sub.close(err)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, sub := range h.viewers {
		h.detachLocked(sub, ErrHubClosed)
	}
	for id, t := range h.topics {
		t.stop()
		delete(h.topics, id)
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.log.Info().Msg("hub stopped")
}
