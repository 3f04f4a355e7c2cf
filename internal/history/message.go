package history

import (
	"time"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/emotion"
)

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message represents a single message persisted in a conversation.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversationId"`
	Sender         Sender         `json:"sender"`
	Text           string         `json:"text"`
	Emotions       emotion.Vector `json:"emotionData,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Conversation is an ordered sequence of messages owned by one user.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// Exchange is a user utterance and the reply produced for it.
type Exchange struct {
	UserText string
	Emotions emotion.Vector
	Reply    string
}

// Appended reports what AppendExchange wrote. Assistant is nil when the
// exchange had no reply or the reply could not be saved.
type Appended struct {
	User      Message
	Assistant *Message
}
