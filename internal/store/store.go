package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
	// ErrNotParticipant is returned when a sender is not one of the conversation participants.
	ErrNotParticipant = errors.New("not a participant")
)

// User represents a registered user.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// ItemStatus describes the lifecycle of a listed item.
type ItemStatus string

const (
	ItemStatusLost     ItemStatus = "lost"
	ItemStatusFound    ItemStatus = "found"
	ItemStatusReturned ItemStatus = "returned"
)

// Item is a catalog listing that conversations are about.
type Item struct {
	ID        int64
	OwnerID   int64
	Title     string
	Category  string
	Status    ItemStatus
	CreatedAt time.Time
}

// Conversation is the unique thread between two users about one item.
// ParticipantA < ParticipantB for every row written by this server.
type Conversation struct {
	ID           int64
	ItemID       int64
	ParticipantA int64
	ParticipantB int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasParticipant reports whether userID occupies one of the two slots.
func (c *Conversation) HasParticipant(userID int64) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// Counterpart returns the slot that is not userID.
func (c *Conversation) Counterpart(userID int64) int64 {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Message is an immutable entry of a conversation log.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	Content        string
	Seq            int64
	CreatedAt      time.Time
}

// CanonicalPair orders two user ids into conversation slots.
func CanonicalPair(x, y int64) (a, b int64) {
	if x < y {
		return x, y
	}
	return y, x
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, username, displayName, passwordHash string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// ItemStore handles item persistence.
type ItemStore interface {
	CreateItem(ctx context.Context, item *Item) error
	GetItemByID(ctx context.Context, id int64) (*Item, error)
}

// ConversationStore handles conversation persistence.
type ConversationStore interface {
	// FindConversation looks up the conversation for an item and a pair of users,
	// checking both slot orderings.
	FindConversation(ctx context.Context, itemID, userX, userY int64) (*Conversation, error)

	// CreateConversation inserts a conversation with canonical slot order.
	// Returns ErrConflict if the triple already exists.
	CreateConversation(ctx context.Context, itemID, userX, userY int64) (*Conversation, error)

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id int64) (*Conversation, error)

	// ListConversationsForUser lists every conversation the user participates in.
	ListConversationsForUser(ctx context.Context, userID int64) ([]*Conversation, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// AppendMessage assigns the next sequence number, persists the message and bumps
	// the owning conversation's updated_at, all in one transaction.
	AppendMessage(ctx context.Context, conversationID, senderID int64, content string) (*Message, error)

	// ListMessagesSince returns messages with seq > afterSeq in ascending order.
	// A limit <= 0 returns everything.
	ListMessagesSince(ctx context.Context, conversationID, afterSeq int64, limit int) ([]*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	ItemStore
	ConversationStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
