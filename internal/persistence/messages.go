package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ChatMessage is one append-only chat history row. The (chat_address,
// message_id) pair is the identity; re-inserting an existing pair is a silent
// no-op so channel reconnect replays never duplicate history.
type ChatMessage struct {
	ChatAddress string    `json:"chat_address"`
	MessageID   string    `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Content     string    `json:"content"`
	MediaJSON   string    `json:"media_json,omitempty"`
	IsFromBot   bool      `json:"is_from_bot"`
	Timestamp   time.Time `json:"ts"`
}

// InsertMessage appends a message. Duplicate (chat_address, message_id) pairs
// are dropped without error.
func (s *Store) InsertMessage(ctx context.Context, m ChatMessage) error {
	if m.ChatAddress == "" || m.MessageID == "" {
		return fmt.Errorf("message requires chat_address and message_id")
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages
				(chat_address, message_id, sender_id, sender_name, content, media_json, is_from_bot, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			m.ChatAddress, m.MessageID, m.SenderID, m.SenderName, m.Content, m.MediaJSON, boolToInt(m.IsFromBot), ts.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// MessagesAfter returns messages for a chat strictly newer than after,
// oldest first. limit <= 0 means no limit.
func (s *Store) MessagesAfter(ctx context.Context, chatAddress string, after time.Time, limit int) ([]ChatMessage, error) {
	query := `
		SELECT chat_address, message_id, sender_id, sender_name, content, media_json, is_from_bot, ts
		FROM messages
		WHERE chat_address = ? AND ts > ?
		ORDER BY ts ASC, message_id ASC`
	args := []any{chatAddress, after.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var fromBot int
		if err := rows.Scan(&m.ChatAddress, &m.MessageID, &m.SenderID, &m.SenderName, &m.Content, &m.MediaJSON, &fromBot, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsFromBot = fromBot != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastUserMessageTime returns the newest non-bot message timestamp for a chat.
// Returns the zero time when the chat has no user messages.
func (s *Store) LastUserMessageTime(ctx context.Context, chatAddress string) (time.Time, error) {
	// MAX(ts) loses the column's declared DATETIME type, so the sqlite driver
	// returns a string instead of a time.Time; select the column directly.
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT ts FROM messages WHERE chat_address = ? AND is_from_bot = 0
		ORDER BY ts DESC LIMIT 1;`,
		chatAddress,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last user message time: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// HasAgentMessageAfter reports whether the agent has already replied in this
// chat after the given instant. The dispatcher uses it as a drain check so
// at-least-once replays stay idempotent.
func (s *Store) HasAgentMessageAfter(ctx context.Context, chatAddress string, after time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages
		WHERE chat_address = ? AND is_from_bot = 1 AND ts > ?;`,
		chatAddress, after.UTC(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has agent message after: %w", err)
	}
	return n > 0, nil
}

// GetCursor returns the dispatch cursor for a chat, or the zero time when the
// chat has never been dispatched.
func (s *Store) GetCursor(ctx context.Context, chatAddress string) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_ts FROM cursors WHERE chat_address = ?;`, chatAddress,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor: %w", err)
	}
	return ts, nil
}

// AdvanceCursor moves the cursor forward. A stale advance (ts at or before
// the stored cursor) is ignored, keeping the cursor monotonic.
func (s *Store) AdvanceCursor(ctx context.Context, chatAddress string, ts time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cursors (chat_address, last_ts, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(chat_address) DO UPDATE SET
				last_ts = excluded.last_ts,
				updated_at = CURRENT_TIMESTAMP
			WHERE excluded.last_ts > cursors.last_ts;`,
			chatAddress, ts.UTC(),
		)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
