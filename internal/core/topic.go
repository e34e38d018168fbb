package core

import (
	"sync"

	"github.com/vovakirdan/itemchat-server/internal/store"
)

const topicInboxSize = 256

type envelope struct {
	pos uint64
	msg store.Message
}

// topic is the broadcast stream of one conversation. A single goroutine fans out
// envelopes in publish order.
type topic struct {
	id    int64
	inbox chan envelope

	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	published uint64
	stopped   bool

	onOverflow func(*Subscription)
}

func newTopic(id int64, onOverflow func(*Subscription)) *topic {
	return &topic{
		id:         id,
		inbox:      make(chan envelope, topicInboxSize),
		subs:       make(map[*Subscription]struct{}),
		onOverflow: onOverflow,
	}
}

// add registers a subscriber. It only sees messages published after this call.
func (t *topic) add(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s.from = t.published
	t.subs[s] = struct{}{}
}

// remove deletes a subscriber. Returns true if removed.
func (t *topic) remove(s *Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[s]; !ok {
		return false
	}
	delete(t.subs, s)
	return true
}

func (t *topic) empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs) == 0
}

func (t *topic) snapshot() []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	return subs
}

// publish enqueues a message without blocking. It reports false when the inbox is full.
func (t *topic) publish(msg store.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return true
	}
	select {
	case t.inbox <- envelope{pos: t.published + 1, msg: msg}:
		t.published++
		return true
	default:
		return false
	}
}

func (t *topic) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	close(t.inbox)
}

func (t *topic) run() {
	for env := range t.inbox {
		for _, s := range t.fanout(env) {
			t.onOverflow(s)
		}
	}
}

// fanout delivers one envelope and returns the subscribers that overflowed.
func (t *topic) fanout(env envelope) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var overflowed []*Subscription
	for s := range t.subs {
		if env.pos <= s.from {
			continue
		}
		if !s.deliver(env.msg) && s.Err() == ErrResyncRequired {
			overflowed = append(overflowed, s)
		}
	}
	return overflowed
}
