package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/emotion"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
)

const (
	conversationColumns = `id, user_id, created_at, updated_at`
	messageColumns      = `id, conversation_id, sender, text, emotion_data, created_at`

	pendingClaimAttempts = 3
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, err
	}
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	c.Messages = []Message{}
	return c, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m        Message
		sender   string
		emotions sql.NullString
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &sender, &m.Text, &emotions, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.Sender = Sender(sender)
	m.CreatedAt = m.CreatedAt.UTC()
	if emotions.Valid && emotions.String != "" {
		if err := json.Unmarshal([]byte(emotions.String), &m.Emotions); err != nil {
			logger.L.Warn("discarding unreadable emotion data", "message_id", m.ID, "error", err)
			m.Emotions = nil
		}
	}
	return m, nil
}

func encodeEmotions(v emotion.Vector) (sql.NullString, error) {
	if !v.Analyzed() {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Conversation returns the conversation header (without messages) when it is
// owned by userID.
func (s *Store) Conversation(ctx context.Context, userID, id int64) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND user_id = ?`), id, userID)
	return scanConversation(row)
}

// ResolveConversation returns the conversation the next exchange belongs to.
// An id owned by userID is used as is. Otherwise the user's pending
// conversation is claimed, created on first use; concurrent callers without an
// id converge on the same row through the one-pending-per-user index.
func (s *Store) ResolveConversation(ctx context.Context, userID int64, id *int64) (Conversation, error) {
	if id != nil {
		c, err := s.Conversation(ctx, userID, *id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Conversation{}, fmt.Errorf("lookup conversation: %w", err)
		}
		logger.L.Warn("conversation not found for user; starting a new one", "user_id", userID, "conversation_id", *id)
	}

	for range pendingClaimAttempts {
		now := s.stamp()
		_, err := s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO conversations (user_id, pending, created_at, updated_at) VALUES (?, 1, ?, ?) ON CONFLICT DO NOTHING`),
			userID, now, now)
		if err != nil {
			return Conversation{}, fmt.Errorf("create conversation: %w", err)
		}

		row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ? AND pending = 1`), userID)
		c, err := scanConversation(row)
		if errors.Is(err, ErrNotFound) {
			// Another request appended to the pending row between our insert
			// and select; claim a fresh one.
			continue
		}
		if err != nil {
			return Conversation{}, fmt.Errorf("claim conversation: %w", err)
		}
		return c, nil
	}
	return Conversation{}, errors.New("claim conversation: pending row kept disappearing")
}

// RecentMessages returns up to limit most recent messages in ascending order.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`),
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	out, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// UserMessages returns the user-authored messages of a conversation in
// creation order.
func (s *Store) UserMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND sender = ? ORDER BY created_at, id`),
		conversationID, string(SenderUser))
	if err != nil {
		return nil, fmt.Errorf("user messages: %w", err)
	}
	defer rows.Close()

	out, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("user messages: %w", err)
	}
	return out, nil
}

// ListConversations returns the user's conversations, most recently updated
// first, each with its messages in creation order. Pending conversations have
// no messages yet and are not listed.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ? AND pending = 0 ORDER BY updated_at DESC, id DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out, err := collectConversations(rows)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	index := make(map[int64]int, len(out))
	for i, c := range out {
		index[c.ID] = i
	}
	if len(out) == 0 {
		return out, nil
	}

	rows, err = s.db.QueryContext(ctx, s.rebind(
		`SELECT m.id, m.conversation_id, m.sender, m.text, m.emotion_data, m.created_at
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE c.user_id = ? AND c.pending = 0
		ORDER BY m.conversation_id, m.created_at, m.id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for _, m := range msgs {
		if i, ok := index[m.ConversationID]; ok {
			out[i].Messages = append(out[i].Messages, m)
		}
	}
	return out, nil
}

func collectConversations(rows *sql.Rows) ([]Conversation, error) {
	defer rows.Close()
	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendExchange writes the user message and, when ex.Reply is non-empty, the
// assistant reply, then bumps the conversation's updatedAt. Both writes share
// one transaction holding the conversation row, so pairs never interleave and
// timestamps strictly increase. A failed reply insert is rolled back to a
// savepoint: the user message still commits and ErrReplyNotSaved is returned.
func (s *Store) AppendExchange(ctx context.Context, conversationID int64, ex Exchange) (Appended, error) {
	var out Appended
	if strings.TrimSpace(ex.UserText) == "" {
		return out, errors.New("append exchange: empty user text")
	}
	emotions, err := encodeEmotions(ex.Emotions)
	if err != nil {
		return out, fmt.Errorf("encode emotions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// Locks the row (Postgres) or the database (SQLite) for the rest of the
	// transaction and marks a pending conversation as started.
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE conversations SET pending = 0 WHERE id = ?`), conversationID)
	if err != nil {
		return out, fmt.Errorf("lock conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return out, ErrNotFound
	}

	var updatedAt time.Time
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT updated_at FROM conversations WHERE id = ?`), conversationID).Scan(&updatedAt); err != nil {
		return out, fmt.Errorf("read conversation: %w", err)
	}

	out.User, err = s.insertMessage(ctx, tx, Message{
		ConversationID: conversationID,
		Sender:         SenderUser,
		Text:           ex.UserText,
		Emotions:       ex.Emotions,
		CreatedAt:      strictlyAfter(s.stamp(), updatedAt),
	}, emotions)
	if err != nil {
		return Appended{}, fmt.Errorf("insert user message: %w", err)
	}
	last := out.User.CreatedAt

	var replyErr error
	if strings.TrimSpace(ex.Reply) != "" {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT assistant_reply`); err != nil {
			return Appended{}, fmt.Errorf("savepoint: %w", err)
		}
		reply, err := s.insertMessage(ctx, tx, Message{
			ConversationID: conversationID,
			Sender:         SenderAssistant,
			Text:           ex.Reply,
			CreatedAt:      strictlyAfter(s.stamp(), last),
		}, sql.NullString{})
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT assistant_reply`); rbErr != nil {
				return Appended{}, fmt.Errorf("rollback reply: %w", rbErr)
			}
			replyErr = fmt.Errorf("%w: %v", ErrReplyNotSaved, err)
		} else {
			if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT assistant_reply`); err != nil {
				return Appended{}, fmt.Errorf("release savepoint: %w", err)
			}
			out.Assistant = &reply
			last = reply.CreatedAt
		}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), last, conversationID); err != nil {
		return Appended{}, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Appended{}, fmt.Errorf("commit append: %w", err)
	}
	return out, replyErr
}

func (s *Store) insertMessage(ctx context.Context, tx *sql.Tx, m Message, emotions sql.NullString) (Message, error) {
	err := tx.QueryRowContext(ctx, s.rebind(
		`INSERT INTO messages (conversation_id, sender, text, emotion_data, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		m.ConversationID, string(m.Sender), m.Text, emotions, m.CreatedAt).Scan(&m.ID)
	return m, err
}

// strictlyAfter returns t, or floor plus one microsecond when t does not
// come after floor.
func strictlyAfter(t, floor time.Time) time.Time {
	floor = floor.UTC()
	if t.After(floor) {
		return t
	}
	return floor.Add(time.Microsecond)
}
