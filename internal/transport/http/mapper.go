package http

import (
	"time"

	"github.com/samber/lo"

	"github.com/vovakirdan/itemchat-server/internal/proto"
	"github.com/vovakirdan/itemchat-server/internal/store"
)

func toProtoMessage(m store.Message) proto.Message {
	return proto.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Seq:            m.Seq,
		TS:             m.CreatedAt.UnixMilli(),
	}
}

func toProtoMessages(msgs []store.Message) []proto.Message {
	return lo.Map(msgs, func(m store.Message, _ int) proto.Message { return toProtoMessage(m) })
}

// MessageResponse represents a message in REST responses.
type MessageResponse struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	Content        string `json:"content"`
	Seq            int64  `json:"seq"`
	CreatedAt      string `json:"created_at"`
}

func toMessageResponse(m store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339Nano),
	}
}

// ConversationResponse represents a conversation in REST responses.
type ConversationResponse struct {
	ID           int64  `json:"id"`
	ItemID       int64  `json:"item_id"`
	ParticipantA int64  `json:"participant_a"`
	ParticipantB int64  `json:"participant_b"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	Outcome      string `json:"outcome,omitempty"`
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:           c.ID,
		ItemID:       c.ItemID,
		ParticipantA: c.ParticipantA,
		ParticipantB: c.ParticipantB,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    c.UpdatedAt.Format(time.RFC3339Nano),
	}
}
