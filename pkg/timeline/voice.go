package timeline

import (
	"context"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
	"github.com/TwistrOP/Generative-AI-Pyschologist/pkg/client"
	"github.com/TwistrOP/Generative-AI-Pyschologist/pkg/voice"
)

type API interface {
	Fetcher
	SendMessage(ctx context.Context, token, text string, conversationID *int64) (client.SendResult, error)
	Synthesize(ctx context.Context, token, text string) ([]byte, error)
}

// Sender posts voice utterances to the selected conversation and follows the
// conversation the server replied in.
type Sender struct {
	API   API
	Store *Store
	Token string
}

var _ voice.Sender = (*Sender)(nil)

func (s *Sender) Send(ctx context.Context, text string) (voice.Reply, error) {
	res, err := s.API.SendMessage(ctx, s.Token, text, s.Store.SelectedID())
	if err != nil {
		return voice.Reply{}, err
	}
	if err := s.Store.FetchConversations(ctx, s.Token); err != nil {
		logger.L.Warn("refresh after voice message failed", "conversation_id", res.ConversationID, "error", err)
	} else {
		s.Store.SelectConversation(&res.ConversationID)
	}
	return voice.Reply{Text: res.ReplyText, ConversationID: res.ConversationID}, nil
}

type Synthesizer struct {
	API   API
	Token string
}

var _ voice.Synthesizer = (*Synthesizer)(nil)

func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return s.API.Synthesize(ctx, s.Token, text)
}
