package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/store"
)

// Outcome tells whether ResolveOrCreate made a new conversation.
type Outcome int

const (
	Created Outcome = iota + 1
	AlreadyExisted
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyExisted:
		return "already_existed"
	default:
		return "unknown"
	}
}

// Resolution is the result of ResolveOrCreate.
type Resolution struct {
	ConversationID int64
	Outcome        Outcome
	Conversation   *store.Conversation
}

// Invalidator drops derived per-user views after a conversation appears.
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...int64)
}

// Service finds or creates the single conversation per (item, user pair).
type Service struct {
	store     store.Store
	projector Invalidator
	log       *zerolog.Logger
}

// New creates a directory service. inv may be nil.
func New(st store.Store, inv Invalidator, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		store:     st,
		projector: inv,
		log:       logger,
	}
}

// ResolveOrCreate returns the conversation between requester and counterpart about
// itemID, creating it if needed. It never sends a message.
func (s *Service) ResolveOrCreate(ctx context.Context, itemID, requesterID, counterpartID int64) (Resolution, error) {
	if requesterID == counterpartID {
		return Resolution{}, fmt.Errorf("%w: cannot start a conversation with yourself", core.ErrUnauthorized)
	}

	if _, err := s.store.GetItemByID(ctx, itemID); err != nil {
		return Resolution{}, lookupError(err, "item", itemID)
	}
	if _, err := s.store.GetUserByID(ctx, counterpartID); err != nil {
		return Resolution{}, lookupError(err, "user", counterpartID)
	}

	conv, err := s.store.FindConversation(ctx, itemID, requesterID, counterpartID)
	if err == nil {
		return Resolution{ConversationID: conv.ID, Outcome: AlreadyExisted, Conversation: conv}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Resolution{}, fmt.Errorf("%w: find conversation: %w", core.ErrUnavailable, err)
	}

	conv, err = s.store.CreateConversation(ctx, itemID, requesterID, counterpartID)
	switch {
	case err == nil:
		s.log.Info().
			Int64("conversation_id", conv.ID).
			Int64("item_id", itemID).
			Int64("participant_a", conv.ParticipantA).
			Int64("participant_b", conv.ParticipantB).
			Msg("conversation created")
		if s.projector != nil {
			s.projector.Invalidate(ctx, conv.ParticipantA, conv.ParticipantB)
		}
		return Resolution{ConversationID: conv.ID, Outcome: Created, Conversation: conv}, nil
	case errors.Is(err, store.ErrConflict):
		// Lost the race to a concurrent create; the winner is visible now.
		conv, err = s.store.FindConversation(ctx, itemID, requesterID, counterpartID)
		if err != nil {
			return Resolution{}, fmt.Errorf("%w: conversation vanished after conflict: %w", core.ErrUnavailable, err)
		}
		s.log.Debug().Int64("conversation_id", conv.ID).Msg("resolved concurrent create")
		return Resolution{ConversationID: conv.ID, Outcome: AlreadyExisted, Conversation: conv}, nil
	case errors.Is(err, store.ErrNotFound):
		return Resolution{}, fmt.Errorf("%w: item or user disappeared", core.ErrNotFound)
	default:
		return Resolution{}, fmt.Errorf("%w: create conversation: %w", core.ErrUnavailable, err)
	}
}

func lookupError(err error, kind string, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s %d", core.ErrNotFound, kind, id)
	}
	return fmt.Errorf("%w: get %s: %w", core.ErrUnavailable, kind, err)
}
