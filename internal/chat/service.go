// Package chat implements the send-message exchange on top of the history
// store and the reasoning gateway.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/emotion"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/history"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/llm"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
)

// DefaultContextMessages is how many stored messages accompany each exchange.
const DefaultContextMessages = 20

var (
	ErrEmptyText            = errors.New("message text cannot be empty")
	ErrConversationNotFound = history.ErrNotFound
)

// Store is the persistence the service needs; *history.Store implements it.
type Store interface {
	ResolveConversation(ctx context.Context, userID int64, id *int64) (history.Conversation, error)
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]history.Message, error)
	AppendExchange(ctx context.Context, conversationID int64, ex history.Exchange) (history.Appended, error)
	ListConversations(ctx context.Context, userID int64) ([]history.Conversation, error)
	Conversation(ctx context.Context, userID, id int64) (history.Conversation, error)
	UserMessages(ctx context.Context, conversationID int64) ([]history.Message, error)
}

// Reasoner is implemented by *llm.Gateway.
type Reasoner interface {
	Exchange(ctx context.Context, userText string, history []llm.Turn) (llm.Reply, error)
}

// Result is returned to the caller of SendMessage.
type Result struct {
	ReplyText      string         `json:"replyText"`
	Emotions       emotion.Vector `json:"emotionVector,omitempty"`
	ConversationID int64          `json:"conversationId"`
	Fallback       bool           `json:"-"`
}

type Service struct {
	store           Store
	reasoner        Reasoner
	contextMessages int
}

func NewService(store Store, reasoner Reasoner, contextMessages int) *Service {
	if contextMessages <= 0 {
		contextMessages = DefaultContextMessages
	}
	return &Service{store: store, reasoner: reasoner, contextMessages: contextMessages}
}

// SendMessage resolves the target conversation, asks the reasoning service for
// a reply and appends the pair. A content rejection is returned before
// anything is written.
func (s *Service) SendMessage(ctx context.Context, userID int64, conversationID *int64, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyText
	}

	conv, err := s.store.ResolveConversation(ctx, userID, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve conversation: %w", err)
	}

	recent, err := s.store.RecentMessages(ctx, conv.ID, s.contextMessages)
	if err != nil {
		return Result{}, fmt.Errorf("load context: %w", err)
	}

	// Once the exchange starts it runs to completion and is saved even when
	// the caller has gone away. The gateway bounds the call with its own timeout.
	detached := context.WithoutCancel(ctx)
	reply, err := s.reasoner.Exchange(detached, text, toTurns(recent))
	if err != nil {
		return Result{ConversationID: conv.ID}, err
	}

	appended, err := s.store.AppendExchange(detached, conv.ID, history.Exchange{
		UserText: text,
		Emotions: reply.Emotions,
		Reply:    reply.Text,
	})
	if err != nil {
		return Result{}, fmt.Errorf("save exchange: %w", err)
	}

	logger.L.Info("message exchanged",
		"user_id", userID,
		"conversation_id", conv.ID,
		"user_message_id", appended.User.ID,
		"fallback", reply.Fallback,
	)
	return Result{
		ReplyText:      reply.Text,
		Emotions:       reply.Emotions,
		ConversationID: conv.ID,
		Fallback:       reply.Fallback,
	}, nil
}

// History lists the user's conversations, most recently updated first.
func (s *Service) History(ctx context.Context, userID int64) ([]history.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return convs, nil
}

// EmotionHistory returns the aligned emotion series of one conversation.
func (s *Service) EmotionHistory(ctx context.Context, userID, conversationID int64) ([]emotion.Point, error) {
	if _, err := s.store.Conversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.store.UserMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("emotion history: %w", err)
	}
	samples := make([]emotion.Sample, len(msgs))
	for i, m := range msgs {
		samples[i] = emotion.Sample{At: m.CreatedAt, Vector: m.Emotions}
	}
	return emotion.Series(samples), nil
}

func toTurns(msgs []history.Message) []llm.Turn {
	turns := make([]llm.Turn, len(msgs))
	for i, m := range msgs {
		role := llm.RoleAssistant
		if m.Sender == history.SenderUser {
			role = llm.RoleUser
		}
		turns[i] = llm.Turn{Role: role, Content: m.Text}
	}
	return turns
}
