package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/itemchat-server/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const dsnParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB

	// clock state; every write timestamp is strictly greater than the previous one
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// New creates a new SQLite store and applies the embedded schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema on an in-memory database.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Set connection pool limits before setup
	db.SetMaxOpenConns(1) // SQLite works best with single connection
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// ==== UserStore implementation ====

// CreateUser creates a new user with hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, displayName, passwordHash string) (*store.User, error) {
	query := `
		INSERT INTO users (username, display_name, password_hash)
		VALUES (?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, username, displayName, passwordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert user %q: %w", username, store.ErrConflict)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `
		SELECT id, username, display_name, password_hash, created_at
		FROM users
		WHERE id = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `
		SELECT id, username, display_name, password_hash, created_at
		FROM users
		WHERE username = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// ==== ItemStore implementation ====

// CreateItem inserts an item and fills in its ID and creation time.
func (s *SQLiteStore) CreateItem(ctx context.Context, item *store.Item) error {
	if item.Status == "" {
		item.Status = store.ItemStatusLost
	}
	item.CreatedAt = s.tick()

	query := `
		INSERT INTO items (owner_id, title, category, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, item.OwnerID, item.Title, item.Category, string(item.Status), item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	item.ID = id
	return nil
}

// GetItemByID retrieves an item by ID.
func (s *SQLiteStore) GetItemByID(ctx context.Context, id int64) (*store.Item, error) {
	query := `
		SELECT id, owner_id, title, category, status, created_at
		FROM items
		WHERE id = ?
	`
	var item store.Item
	var status string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&item.ID,
		&item.OwnerID,
		&item.Title,
		&item.Category,
		&status,
		&item.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query item: %w", err)
	}
	item.Status = store.ItemStatus(status)
	return &item, nil
}

// ==== ConversationStore implementation ====

const conversationColumns = `id, item_id, participant_a, participant_b, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var conv store.Conversation
	if err := row.Scan(
		&conv.ID,
		&conv.ItemID,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindConversation looks up the conversation for an item and a pair of users.
// Slot order carries no meaning, so both orderings are checked.
func (s *SQLiteStore) FindConversation(ctx context.Context, itemID, userX, userY int64) (*store.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE item_id = ?
		  AND ((participant_a = ? AND participant_b = ?) OR (participant_a = ? AND participant_b = ?))
		LIMIT 1
	`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, itemID, userX, userY, userY, userX))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation inserts a conversation with canonical slot order.
// A concurrent insert of the same triple loses with store.ErrConflict.
func (s *SQLiteStore) CreateConversation(ctx context.Context, itemID, userX, userY int64) (*store.Conversation, error) {
	a, b := store.CanonicalPair(userX, userY)
	now := s.tick()

	query := `
		INSERT INTO conversations (item_id, participant_a, participant_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, itemID, a, b, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert conversation: %w", store.ErrConflict)
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return &store.Conversation{
		ID:           id,
		ItemID:       itemID,
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*store.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

// ListConversationsForUser lists every conversation the user participates in,
// most recently active first.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID int64) ([]*store.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY updated_at DESC, id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []*store.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}

	return convs, rows.Err()
}

// ==== MessageStore implementation ====

// AppendMessage assigns the next sequence number, persists the message and bumps
// the owning conversation's updated_at in a single transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, senderID int64, content string) (*store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after Commit is a no-op
	}()

	var a, b int64
	err = tx.QueryRowContext(ctx,
		`SELECT participant_a, participant_b FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&a, &b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %d: %w", conversationID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	if senderID != a && senderID != b {
		return nil, fmt.Errorf("sender %d: %w", senderID, store.ErrNotParticipant)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}

	msg := &store.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Seq:            seq,
		CreatedAt:      s.tick(),
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, seq, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ConversationID, msg.SenderID, msg.Content, msg.Seq, msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert message: %w", store.ErrConflict)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	msg.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt, conversationID,
	); err != nil {
		return nil, fmt.Errorf("bump conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return msg, nil
}

// ListMessagesSince returns messages with seq > afterSeq in log order.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, conversationID, afterSeq int64, limit int) ([]*store.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, seq, created_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC, created_at ASC
	`
	args := []any{conversationID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var msg store.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Seq, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// Ensure SQLiteStore implements store.Store
var _ store.Store = (*SQLiteStore)(nil)
