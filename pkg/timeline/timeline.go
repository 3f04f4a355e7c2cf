// Package timeline keeps the client-side view of a user's conversations and
// which one is selected.
package timeline

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
	"github.com/TwistrOP/Generative-AI-Pyschologist/pkg/client"
)

type Fetcher interface {
	History(ctx context.Context, token string) ([]client.Conversation, error)
}

// Store caches conversations most recently updated first. The selection is
// held by id and re-resolved against every fetch.
type Store struct {
	fetcher Fetcher

	mu       sync.RWMutex
	convs    []client.Conversation
	selected *int64
}

func New(f Fetcher) *Store {
	return &Store{fetcher: f}
}

// FetchConversations replaces the cache. A selected conversation that is still
// present stays selected; with no selection the most recently updated one is
// chosen. On failure the cache is emptied and the error returned.
func (s *Store) FetchConversations(ctx context.Context, token string) error {
	convs, err := s.fetcher.History(ctx, token)
	if err != nil {
		logger.L.Warn("fetch conversations failed", "error", err)
		s.mu.Lock()
		s.convs, s.selected = nil, nil
		s.mu.Unlock()
		return err
	}

	convs = slices.Clone(convs)
	slices.SortStableFunc(convs, func(a, b client.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = convs
	switch {
	case s.selected != nil && s.indexLocked(*s.selected) < 0:
		s.selected = nil
	case s.selected == nil && len(convs) > 0:
		id := convs[0].ID
		s.selected = &id
	}
	return nil
}

// SelectConversation selects id. Nil, or an id not in the cache, clears the
// selection so the next message starts a new conversation.
func (s *Store) SelectConversation(id *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == nil || s.indexLocked(*id) < 0 {
		s.selected = nil
		return
	}
	v := *id
	s.selected = &v
}

func (s *Store) Conversations() []client.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.convs)
}

func (s *Store) SelectedID() *int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == nil {
		return nil
	}
	v := *s.selected
	return &v
}

func (s *Store) Selected() (client.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == nil {
		return client.Conversation{}, false
	}
	i := s.indexLocked(*s.selected)
	if i < 0 {
		return client.Conversation{}, false
	}
	return s.convs[i], true
}

// Messages returns the selected conversation's messages oldest first, or nil.
func (s *Store) Messages() []client.Message {
	c, ok := s.Selected()
	if !ok {
		return nil
	}
	msgs := slices.Clone(c.Messages)
	slices.SortStableFunc(msgs, func(a, b client.Message) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return msgs
}

func (s *Store) indexLocked(id int64) int {
	return slices.IndexFunc(s.convs, func(c client.Conversation) bool { return c.ID == id })
}
