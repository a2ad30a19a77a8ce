// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/util"
)

// =============================================================================
// STORED CONVERSATION TYPE
// =============================================================================

// StoredConversation represents a persisted conversation.
type StoredConversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Messages  []chat.Message `json:"messages"`
}

// ConversationMeta contains metadata for listing conversations.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// TitleWidth is the display width conversation titles are cut to.
const TitleWidth = 60

// MinPrefix is the shortest ID prefix Load accepts.
const MinPrefix = 4

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// ConversationStore persists conversations in a SQLite database.
type ConversationStore struct {
	db *sql.DB

	// MaxConversations limits stored conversations (0 = unlimited).
	// The least recently updated are removed first.
	MaxConversations int
}

// Open opens (or creates) the store at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*ConversationStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// One connection: SQLite has one writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite takes pragmas as statements, not DSN params
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &ConversationStore{db: db, MaxConversations: 500}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

// tx executes fn within a transaction, committing if it returns nil.
func (s *ConversationStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save persists a conversation and returns its ID. A new ID (uuid v4) is
// assigned when conv.ID is empty, and the title is derived from the first
// user message when unset. Saving an existing ID replaces its messages.
func (s *ConversationStore) Save(ctx context.Context, conv *StoredConversation) (string, error) {
	if len(conv.Messages) == 0 {
		return "", ErrEmptyConversation
	}
	if err := chat.ValidateMessages(conv.Messages); err != nil {
		return "", err
	}

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Title == "" {
		conv.Title = generateTitle(conv.Messages)
	}
	conv.UpdatedAt = time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}

	err := s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, title, provider, model, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				provider = excluded.provider,
				model = excluded.model,
				updated_at = excluded.updated_at`,
			conv.ID, conv.Title, conv.Provider, conv.Model,
			formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (conversation_id, seq, role, content) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for i, m := range conv.Messages {
			if _, err := stmt.ExecContext(ctx, conv.ID, i, string(m.Role), m.Content); err != nil {
				return fmt.Errorf("insert message %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if s.MaxConversations > 0 {
		if err := s.enforceLimit(ctx); err != nil {
			return conv.ID, err
		}
	}
	return conv.ID, nil
}

// generateTitle creates a title from the first user message.
func generateTitle(messages []chat.Message) string {
	for _, m := range messages {
		if m.Role == chat.RoleUser {
			if title := util.Title(m.Content, TitleWidth); title != "" {
				return title
			}
		}
	}
	return "New conversation"
}

// enforceLimit removes the least recently updated conversations over the limit.
func (s *ConversationStore) enforceLimit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE id IN (
			SELECT id FROM conversations
			ORDER BY updated_at DESC
			LIMIT -1 OFFSET ?
		)`, s.MaxConversations)
	if err != nil {
		return fmt.Errorf("enforce limit: %w", err)
	}
	return nil
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load retrieves a conversation by ID or by a unique ID prefix of at least
// MinPrefix characters.
func (s *ConversationStore) Load(ctx context.Context, id string) (*StoredConversation, error) {
	id, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	conv := &StoredConversation{ID: id}
	var created, updated string
	err = s.db.QueryRowContext(ctx,
		`SELECT title, provider, model, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.Title, &conv.Provider, &conv.Model, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, chat.Message{Role: chat.Role(role), Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return conv, nil
}

// resolve expands an ID prefix to a full ID.
func (s *ConversationStore) resolve(ctx context.Context, prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if len(prefix) < MinPrefix {
		return "", fmt.Errorf("%w: id %q is too short", ErrConversationNotFound, prefix)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE id = ? OR substr(id, 1, ?) = ? LIMIT 2`,
		prefix, len(prefix), prefix)
	if err != nil {
		return "", fmt.Errorf("resolve id: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		if id == prefix {
			return id, nil
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(ids) {
	case 0:
		return "", ErrConversationNotFound
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%w: %q", ErrAmbiguousID, prefix)
	}
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

const metaQuery = `
	SELECT c.id, c.title, c.provider, c.model, c.created_at, c.updated_at,
		(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
	FROM conversations c`

// List returns saved conversations, most recently updated first. A limit
// of zero or less returns all of them.
func (s *ConversationStore) List(ctx context.Context, limit int) ([]ConversationMeta, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryMeta(ctx, metaQuery+` ORDER BY c.updated_at DESC LIMIT ?`, limit)
}

// Search finds conversations whose title or any message contains query
// (case-insensitive), most recent first.
func (s *ConversationStore) Search(ctx context.Context, query string) ([]ConversationMeta, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.List(ctx, 0)
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	return s.queryMeta(ctx, metaQuery+`
		WHERE lower(c.title) LIKE ? ESCAPE '\'
			OR EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = c.id AND lower(m.content) LIKE ? ESCAPE '\')
		ORDER BY c.updated_at DESC`, pattern, pattern)
}

func (s *ConversationStore) queryMeta(ctx context.Context, query string, args ...any) ([]ConversationMeta, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	metas := []ConversationMeta{}
	for rows.Next() {
		var m ConversationMeta
		var created, updated string
		if err := rows.Scan(&m.ID, &m.Title, &m.Provider, &m.Model, &created, &updated, &m.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		m.CreatedAt = parseTime(created)
		m.UpdatedAt = parseTime(updated)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a conversation (ID or unique prefix) and its messages.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	id, err := s.resolve(ctx, id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConversationNotFound is returned when a conversation doesn't exist.
	ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

	// ErrAmbiguousID is returned when an ID prefix matches several conversations.
	ErrAmbiguousID = &ConversationError{Message: "ambiguous conversation id"}

	// ErrEmptyConversation is returned when saving a conversation with no messages.
	ErrEmptyConversation = &ConversationError{Message: "nothing to save"}
)

// ConversationError represents a conversation-related error.
// It implements the error interface and can be compared using errors.Is.
type ConversationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConversationError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing conversation errors.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// =============================================================================
// FORMATTING
// =============================================================================

// ShortID returns the first eight characters of an ID.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatList formats conversations as a table with short ID, relative
// update time, message count and title.
func FormatList(metas []ConversationMeta) string {
	if len(metas) == 0 {
		return "No saved conversations."
	}

	var sb strings.Builder
	sb.WriteString(util.PadRight("ID", 10) + util.PadRight("Updated", 16) + util.PadRight("Msgs", 6) + "Title\n")
	for _, m := range metas {
		sb.WriteString(util.PadRight(ShortID(m.ID), 10))
		sb.WriteString(util.PadRight(humanize.Time(m.UpdatedAt), 16))
		sb.WriteString(util.PadRight(humanize.Comma(int64(m.MessageCount)), 6))
		sb.WriteString(util.TruncateWidth(m.Title, 50))
		sb.WriteString("\n")
	}
	return sb.String()
}

// ExportMarkdown exports the conversation as Markdown.
func (c *StoredConversation) ExportMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# " + c.Title + "\n\n")
	sb.WriteString("- ID: " + c.ID + "\n")
	sb.WriteString("- Model: " + c.Model + " (" + c.Provider + ")\n")
	sb.WriteString("- Created: " + c.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, m := range c.Messages {
		sb.WriteString("**" + m.Role.Label() + "**:\n\n")
		sb.WriteString(m.Content)
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}
