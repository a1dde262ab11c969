// chats.go implements chat registration, conversation history, and
// processed-email markers.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chat is a known conversation target within a group.
type Chat struct {
	ID        string    `json:"id"`
	GroupKey  string    `json:"group_key"`
	Name      string    `json:"name,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one stored conversation entry.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// UpsertChat registers or refreshes a chat.
func (s *Store) UpsertChat(c *Chat) error {
	_, err := s.DB.Exec(`
		INSERT OR REPLACE INTO chats (id, group_key, name, channel, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.GroupKey, c.Name, c.Channel,
		c.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert chat %q: %w", c.ID, err)
	}
	return nil
}

// SaveMessage appends one conversation entry.
func (s *Store) SaveMessage(m *Message) error {
	res, err := s.DB.Exec(`
		INSERT INTO messages (chat_id, sender, content, created_at)
		VALUES (?, ?, ?, ?)`,
		m.ChatID, m.Sender, m.Content,
		m.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save message for chat %q: %w", m.ChatID, err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// RecentMessages returns up to limit recent messages for a chat in
// chronological order. Used to build group-context agent prompts.
func (s *Store) RecentMessages(chatID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.Query(`
		SELECT id, chat_id, sender, content, created_at FROM (
			SELECT id, chat_id, sender, content, created_at
			FROM messages
			WHERE chat_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages for chat %q: %w", chatID, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var (
			m         Message
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// MarkEmailProcessed records an inbound email as handled so redelivery
// does not trigger a second dispatch.
func (s *Store) MarkEmailProcessed(messageID, groupKey string) error {
	_, err := s.DB.Exec(`
		INSERT OR IGNORE INTO processed_emails (message_id, group_key, processed_at)
		VALUES (?, ?, ?)`,
		messageID, groupKey, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("mark email %q processed: %w", messageID, err)
	}
	return nil
}

// EmailProcessed reports whether an email was already handled.
func (s *Store) EmailProcessed(messageID string) (bool, error) {
	var one int
	err := s.DB.QueryRow(
		"SELECT 1 FROM processed_emails WHERE message_id = ?", messageID).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check email %q: %w", messageID, err)
}
