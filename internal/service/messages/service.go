package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/store"
)

// DefaultMaxContentLength bounds message content in runes when no limit is configured.
const DefaultMaxContentLength = 4000

const lockStripes = 64

// Broker is the live delivery side used after a message is stored.
type Broker interface {
	Subscribe(ctx context.Context, conversationID int64, viewer core.Viewer) (*core.Subscription, error)
	Unsubscribe(conversationID int64, viewer core.Viewer)
	Publish(msg store.Message)
}

// Invalidator drops derived per-user views after a conversation changes.
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...int64)
}

// Service appends and reads conversation logs and hands new messages to live subscribers.
type Service struct {
	store     store.Store
	broker    Broker
	projector Invalidator
	maxLen    int
	log       *zerolog.Logger

	// publish order must match seq order within a conversation
	stripes [lockStripes]sync.Mutex
}

// Options configures a Service.
type Options struct {
	MaxContentLength int
	Projector        Invalidator
	Logger           *zerolog.Logger
}

// New creates a message service.
func New(st store.Store, broker Broker, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	maxLen := opts.MaxContentLength
	if maxLen <= 0 {
		maxLen = DefaultMaxContentLength
	}
	return &Service{
		store:     st,
		broker:    broker,
		projector: opts.Projector,
		maxLen:    maxLen,
		log:       logger,
	}
}

func (s *Service) stripe(conversationID int64) *sync.Mutex {
	idx := conversationID % lockStripes
	if idx < 0 {
		idx = -idx
	}
	return &s.stripes[idx]
}

// Append stores a message from senderID and publishes it to live subscribers.
func (s *Service) Append(ctx context.Context, conversationID, senderID int64, content string) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is empty", core.ErrValidation)
	}
	if utf8.RuneCountInString(content) > s.maxLen {
		return nil, fmt.Errorf("%w: content exceeds %d characters", core.ErrValidation, s.maxLen)
	}

	conv, err := s.participantConversation(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}

	mu := s.stripe(conversationID)
	mu.Lock()
	msg, err := s.store.AppendMessage(ctx, conversationID, senderID, content)
	if err != nil {
		mu.Unlock()
		return nil, mapStoreError(err, "append message")
	}
	if s.broker != nil {
		s.broker.Publish(*msg)
	}
	mu.Unlock()

	if s.projector != nil {
		s.projector.Invalidate(ctx, conv.ParticipantA, conv.ParticipantB)
	}

	s.log.Debug().
		Int64("conversation_id", conversationID).
		Int64("sender_id", senderID).
		Int64("seq", msg.Seq).
		Msg("message appended")
	return msg, nil
}

// ListSince returns messages with seq greater than cursor in ascending order.
// A cursor of 0 starts from the beginning; limit <= 0 returns everything.
func (s *Service) ListSince(ctx context.Context, conversationID, userID, cursor int64, limit int) ([]store.Message, error) {
	if cursor < 0 {
		return nil, fmt.Errorf("%w: cursor must not be negative", core.ErrValidation)
	}
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessagesSince(ctx, conversationID, cursor, limit)
	if err != nil {
		return nil, mapStoreError(err, "list messages")
	}
	return lo.Map(msgs, func(m *store.Message, _ int) store.Message { return *m }), nil
}

// Subscribe starts live delivery of new messages to viewer.
func (s *Service) Subscribe(ctx context.Context, conversationID int64, viewer core.Viewer) (*core.Subscription, error) {
	if _, err := s.participantConversation(ctx, conversationID, viewer.UserID); err != nil {
		return nil, err
	}
	if s.broker == nil {
		return nil, fmt.Errorf("%w: live delivery disabled", core.ErrUnavailable)
	}
	return s.broker.Subscribe(ctx, conversationID, viewer)
}

// Unsubscribe stops live delivery. It is safe to call repeatedly.
func (s *Service) Unsubscribe(conversationID int64, viewer core.Viewer) {
	if s.broker != nil {
		s.broker.Unsubscribe(conversationID, viewer)
	}
}

// Conversation returns the conversation if userID participates in it.
func (s *Service) Conversation(ctx context.Context, conversationID, userID int64) (*store.Conversation, error) {
	return s.participantConversation(ctx, conversationID, userID)
}

func (s *Service) participantConversation(ctx context.Context, conversationID, userID int64) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, mapStoreError(err, "get conversation")
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: not a participant of conversation %d", core.ErrUnauthorized, conversationID)
	}
	return conv, nil
}

func mapStoreError(err error, op string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s: %w", core.ErrNotFound, op, err)
	case errors.Is(err, store.ErrNotParticipant):
		return fmt.Errorf("%w: %s: %w", core.ErrUnauthorized, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", core.ErrUnavailable, op, err)
	}
}
