package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/store"
)

var (
	// ErrDetached is returned by a stream whose session has opened another conversation or closed.
	ErrDetached = errors.New("session: stream detached")
	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("session: closed")
)

// State is the lifecycle stage of a session's live view.
type State int

const (
	StateUnopened State = iota
	StateResolving
	StateSubscribed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateResolving:
		return "resolving"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Messages is the message log and live delivery the session reconciles.
type Messages interface {
	Subscribe(ctx context.Context, conversationID int64, viewer core.Viewer) (*core.Subscription, error)
	Unsubscribe(conversationID int64, viewer core.Viewer)
	ListSince(ctx context.Context, conversationID, userID, cursor int64, limit int) ([]store.Message, error)
}

// Backoff controls resubscription attempts after a dropped subscription. Attempts never
// stop while the stream is open; past MaxAttempts the session logs that push is down and
// keeps retrying every Max while polling the log.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is used when New receives a zero Backoff.
var DefaultBackoff = Backoff{
	Initial:     100 * time.Millisecond,
	Max:         5 * time.Second,
	MaxAttempts: 6,
}

// delay returns the wait before attempt n (n >= 1), with up to 50% jitter.
func (b Backoff) delay(n int) time.Duration {
	d := b.Initial
	for i := 1; i < n && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d/2)+1))
}

// Session is one connected client of one user. It keeps at most one conversation open
// and reconciles pushed messages with the persisted log so the client sees every message once.
type Session struct {
	base    context.Context
	viewer  core.Viewer
	svc     Messages
	backoff Backoff
	log     *zerolog.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	stream *Stream
	closed bool
}

// Option customizes a Session.
type Option func(*Session)

// WithBackoff overrides the resubscription policy.
func WithBackoff(b Backoff) Option {
	return func(s *Session) { s.backoff = b }
}

// WithLogger sets the session logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Session) { s.log = logger }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(s *Session) { s.viewer.SessionID = id }
}

// New creates a session for userID. Subscriptions live no longer than ctx.
func New(ctx context.Context, svc Messages, userID int64, opts ...Option) *Session {
	s := &Session{
		base:    ctx,
		viewer:  core.Viewer{UserID: userID, SessionID: uuid.NewString()},
		svc:     svc,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		nop := zerolog.Nop()
		s.log = &nop
	}
	if s.backoff.MaxAttempts <= 0 {
		s.backoff.MaxAttempts = DefaultBackoff.MaxAttempts
	}
	return s
}

// Viewer returns the identity used for hub subscriptions.
func (s *Session) Viewer() core.Viewer {
	return s.viewer
}

// State reports the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the open stream, or nil.
func (s *Session) Current() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Open switches the session to conversationID. The previous stream is detached first.
// It subscribes before reading history so nothing sent in between is lost; pushed
// messages already covered by history are dropped by the stream.
func (s *Session) Open(ctx context.Context, conversationID int64) ([]store.Message, *Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrClosed
	}
	s.gen++
	gen := s.gen
	prev := s.stream
	s.stream = nil
	s.state = StateResolving
	s.mu.Unlock()

	if prev != nil {
		prev.teardown()
	}

	streamCtx, cancel := context.WithCancel(s.base)
	sub, err := s.svc.Subscribe(streamCtx, conversationID, s.viewer)
	if err != nil {
		cancel()
		s.reset(gen)
		return nil, nil, err
	}

	history, err := s.svc.ListSince(ctx, conversationID, s.viewer.UserID, 0, 0)
	if err != nil {
		cancel()
		s.reset(gen)
		return nil, nil, err
	}

	st := &Stream{
		ConversationID: conversationID,
		session:        s,
		gen:            gen,
		ctx:            streamCtx,
		cancel:         cancel,
		sub:            sub,
		syncReq:        make(chan struct{}, 1),
	}
	if n := len(history); n > 0 {
		st.lastSeq = history[n-1].Seq
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		cancel()
		return nil, nil, ErrDetached
	}
	s.stream = st
	s.state = StateSubscribed
	s.mu.Unlock()

	s.log.Debug().
		Int64("conversation_id", conversationID).
		Str("session_id", s.viewer.SessionID).
		Int("history", len(history)).
		Msg("conversation opened")
	return history, st, nil
}

// Sync polls the open conversation for messages after the last one seen.
func (s *Session) Sync(ctx context.Context) (Delivery, error) {
	st := s.Current()
	if st == nil {
		return Delivery{}, fmt.Errorf("%w: no conversation open", core.ErrValidation)
	}
	return st.Sync(ctx)
}

// CloseStream detaches the open conversation, if any, and returns to Unopened.
func (s *Session) CloseStream() {
	s.mu.Lock()
	s.gen++
	prev := s.stream
	s.stream = nil
	s.state = StateUnopened
	s.mu.Unlock()

	if prev != nil {
		prev.teardown()
	}
}

// Close detaches the open conversation and rejects further Opens. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CloseStream()
}

func (s *Session) reset(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.state = StateUnopened
	}
}

func (s *Session) setState(gen uint64, state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.state = state
	return true
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && !s.closed
}
