package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/store"
)

// Delivery is a batch of messages for the open conversation, in seq order.
// Resync is set when the batch fills a gap after the live subscription was lost.
type Delivery struct {
	ConversationID int64
	Messages       []store.Message
	Resync         bool
}

// Stream is the live view of one opened conversation. It belongs to a single
// generation of its session; once the session moves on every call returns ErrDetached.
type Stream struct {
	ConversationID int64

	session *Session
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	syncReq chan struct{}

	// mu guards sub and lastSeq
	mu      sync.Mutex
	sub     *core.Subscription
	lastSeq int64

	// failed resubscribe attempts since the subscription was lost; owned by the Next caller
	retries int
}

// LastSeq returns the highest sequence number delivered so far.
func (st *Stream) LastSeq() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSeq
}

// RequestSync asks a blocked Next to poll the log. It never blocks.
func (st *Stream) RequestSync() {
	select {
	case st.syncReq <- struct{}{}:
	default:
	}
}

// Next returns the next delivery. Messages already delivered are skipped; a lost
// subscription is re-established with backoff and the gap is returned with Resync set.
// While push is unavailable the log is polled between attempts.
func (st *Stream) Next(ctx context.Context) (Delivery, error) {
	for {
		if !st.session.current(st.gen) {
			return Delivery{}, ErrDetached
		}

		st.mu.Lock()
		sub := st.sub
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()

		case <-st.syncReq:
			d, err := st.Sync(ctx)
			if err != nil || len(d.Messages) > 0 {
				return d, err
			}

		case <-sub.Done():
			return st.handleLoss(ctx, sub)

		case msg := <-sub.Events():
			if !st.session.current(st.gen) {
				return Delivery{}, ErrDetached
			}
			select {
			case <-sub.Done():
				// The buffered message may be followed by a gap; let the resync cover it.
				return st.handleLoss(ctx, sub)
			default:
			}
			d, ok, err := st.accept(ctx, msg)
			if err != nil || ok {
				return d, err
			}
		}
	}
}

// accept applies one pushed message. ok is false for duplicates.
func (st *Stream) accept(ctx context.Context, msg store.Message) (Delivery, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case msg.Seq <= st.lastSeq:
		return Delivery{}, false, nil
	case msg.Seq == st.lastSeq+1:
		st.lastSeq = msg.Seq
		return Delivery{ConversationID: st.ConversationID, Messages: []store.Message{msg}}, true, nil
	}

	// A gap between the last delivery and this push; fill it from the log.
	msgs, err := st.session.svc.ListSince(ctx, st.ConversationID, st.session.viewer.UserID, st.lastSeq, 0)
	if err != nil {
		return Delivery{}, false, err
	}
	if n := len(msgs); n > 0 {
		st.lastSeq = msgs[n-1].Seq
	}
	return Delivery{ConversationID: st.ConversationID, Messages: msgs, Resync: true}, true, nil
}

// handleLoss handles the end of sub.
func (st *Stream) handleLoss(ctx context.Context, sub *core.Subscription) (Delivery, error) {
	err := sub.Err()
	if !st.session.current(st.gen) || st.ctx.Err() != nil {
		return Delivery{}, ErrDetached
	}
	if errors.Is(err, core.ErrHubClosed) {
		return Delivery{}, err
	}
	if errors.Is(err, core.ErrResyncRequired) || errors.Is(err, core.ErrUnavailable) {
		return st.reconnect(ctx)
	}
	// Replaced by another subscription of the same viewer.
	return Delivery{}, ErrDetached
}

// reconnect resubscribes and fetches what was missed since the last delivery.
// A failed attempt polls the log instead and returns any new messages as a resync;
// the next call picks up the retry schedule where it left off.
func (st *Stream) reconnect(ctx context.Context) (Delivery, error) {
	s := st.session
	if !s.setState(st.gen, StateReconnecting) {
		return Delivery{}, ErrDetached
	}
	if st.retries == 0 {
		s.log.Debug().
			Int64("conversation_id", st.ConversationID).
			Str("session_id", s.viewer.SessionID).
			Msg("subscription lost, resyncing")
	}

	var sub *core.Subscription
	for {
		if st.retries > 0 {
			timer := time.NewTimer(s.backoff.delay(st.retries))
			select {
			case <-ctx.Done():
				timer.Stop()
				return Delivery{}, ctx.Err()
			case <-st.ctx.Done():
				timer.Stop()
				return Delivery{}, ErrDetached
			case <-timer.C:
			}
		}
		if !s.current(st.gen) {
			return Delivery{}, ErrDetached
		}

		if sub == nil {
			var err error
			sub, err = s.svc.Subscribe(st.ctx, st.ConversationID, s.viewer)
			if err != nil {
				sub = nil
				switch {
				case core.Terminal(err), errors.Is(err, core.ErrHubClosed):
					return Delivery{}, err
				case st.ctx.Err() != nil:
					return Delivery{}, ErrDetached
				}
				st.retries++
				if st.retries == s.backoff.MaxAttempts {
					s.log.Warn().Err(err).
						Int64("conversation_id", st.ConversationID).
						Str("session_id", s.viewer.SessionID).
						Msg("push unavailable, polling message log")
				}

				d, err := st.poll(ctx)
				if err != nil {
					if core.Terminal(err) || errors.Is(err, ErrDetached) {
						return Delivery{}, err
					}
					continue
				}
				if len(d.Messages) > 0 {
					return d, nil
				}
				continue
			}
		}

		st.mu.Lock()
		msgs, err := s.svc.ListSince(ctx, st.ConversationID, s.viewer.UserID, st.lastSeq, 0)
		if err != nil {
			st.mu.Unlock()
			if core.Terminal(err) {
				return Delivery{}, err
			}
			st.retries++
			continue
		}
		st.sub = sub
		if n := len(msgs); n > 0 {
			st.lastSeq = msgs[n-1].Seq
		}
		st.mu.Unlock()
		st.retries = 0

		if !s.setState(st.gen, StateSubscribed) {
			return Delivery{}, ErrDetached
		}
		return Delivery{ConversationID: st.ConversationID, Messages: msgs, Resync: true}, nil
	}
}

// poll reads the log after lastSeq as a resync batch.
func (st *Stream) poll(ctx context.Context) (Delivery, error) {
	d, err := st.Sync(ctx)
	d.Resync = true
	return d, err
}

// Sync reads messages after the last delivered one from the log.
func (st *Stream) Sync(ctx context.Context) (Delivery, error) {
	if !st.session.current(st.gen) {
		return Delivery{}, ErrDetached
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	msgs, err := st.session.svc.ListSince(ctx, st.ConversationID, st.session.viewer.UserID, st.lastSeq, 0)
	if err != nil {
		return Delivery{}, err
	}
	if !st.session.current(st.gen) {
		return Delivery{}, ErrDetached
	}
	if n := len(msgs); n > 0 {
		st.lastSeq = msgs[n-1].Seq
	}
	return Delivery{ConversationID: st.ConversationID, Messages: msgs}, nil
}

// Close detaches the stream's session from this conversation.
func (st *Stream) Close() {
	if st.session.current(st.gen) {
		st.session.CloseStream()
		return
	}
	st.teardown()
}

func (st *Stream) teardown() {
	st.cancel()
}
