package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/emotion"
)

type mockBackend struct {
	CompleteFunc func(ctx context.Context, userText string, history []Turn) (Reply, error)
	calls        int
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Complete(ctx context.Context, userText string, history []Turn) (Reply, error) {
	m.calls++
	return m.CompleteFunc(ctx, userText, history)
}

type recordingObserver struct {
	outcomes []string
}

func (r *recordingObserver) ObserveReasoning(_, outcome string, _ float64) {
	r.outcomes = append(r.outcomes, outcome)
}

func TestExchange_Success(t *testing.T) {
	backend := &mockBackend{CompleteFunc: func(_ context.Context, text string, _ []Turn) (Reply, error) {
		require.Equal(t, "I feel anxious", text)
		return Reply{Text: "Tell me more.", Emotions: emotion.Vector{{Label: "fear", Score: 1.3}}}, nil
	}}
	obs := &recordingObserver{}
	g := New(backend, WithObserver(obs))

	reply, err := g.Exchange(context.Background(), "I feel anxious", nil)
	require.NoError(t, err)
	require.Equal(t, "Tell me more.", reply.Text)
	require.False(t, reply.Fallback)
	require.Equal(t, emotion.Vector{{Label: "fear", Score: 1}}, reply.Emotions)
	require.Equal(t, []string{OutcomeOK}, obs.outcomes)
}

func TestExchange_FallbackOnError(t *testing.T) {
	backend := &mockBackend{CompleteFunc: func(context.Context, string, []Turn) (Reply, error) {
		return Reply{}, errors.New("connection refused")
	}}
	obs := &recordingObserver{}
	g := New(backend, WithObserver(obs))

	reply, err := g.Exchange(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.True(t, reply.Fallback)
	require.Equal(t, FallbackReply, reply.Text)
	require.Nil(t, reply.Emotions)
	require.Equal(t, []string{OutcomeFallback}, obs.outcomes)
}

func TestExchange_TimeoutFallsBack(t *testing.T) {
	backend := &mockBackend{CompleteFunc: func(ctx context.Context, _ string, _ []Turn) (Reply, error) {
		<-ctx.Done()
		return Reply{}, ctx.Err()
	}}
	g := New(backend, WithTimeout(20*time.Millisecond))

	start := time.Now()
	reply, err := g.Exchange(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.True(t, reply.Fallback)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestExchange_ContentRejected(t *testing.T) {
	backend := &mockBackend{CompleteFunc: func(context.Context, string, []Turn) (Reply, error) {
		return Reply{}, fmt.Errorf("wrapped: %w", &ContentRejectedError{Reason: "Input contains harmful content."})
	}}
	obs := &recordingObserver{}
	g := New(backend, WithObserver(obs))

	reply, err := g.Exchange(context.Background(), "something bad", nil)
	var rejected *ContentRejectedError
	require.ErrorAs(t, err, &rejected)
	require.True(t, rejected.ContentRejected())
	require.Empty(t, reply.Text)
	require.False(t, reply.Fallback)
	require.Equal(t, []string{OutcomeRejected}, obs.outcomes)
}

func TestExchange_EmptyInput(t *testing.T) {
	backend := &mockBackend{}
	g := New(backend)

	_, err := g.Exchange(context.Background(), "   ", nil)
	require.ErrorIs(t, err, ErrEmptyInput)
	require.Zero(t, backend.calls)
}

func TestExchange_TruncatesAndMapsHistory(t *testing.T) {
	history := make([]Turn, 45)
	for i := range history {
		role := RoleUser
		if i%2 == 1 {
			role = "bot"
		}
		history[i] = Turn{Role: role, Content: fmt.Sprintf("turn %d", i)}
	}

	var got []Turn
	backend := &mockBackend{CompleteFunc: func(_ context.Context, _ string, h []Turn) (Reply, error) {
		got = h
		return Reply{Text: "ok"}, nil
	}}
	_, err := New(backend).Exchange(context.Background(), "hi", history)
	require.NoError(t, err)

	require.Len(t, got, MaxHistoryTurns)
	require.Equal(t, "turn 15", got[0].Content)
	require.Equal(t, "turn 44", got[len(got)-1].Content)
	for _, turn := range got {
		require.Contains(t, []Role{RoleUser, RoleAssistant}, turn.Role)
	}
	require.Equal(t, RoleAssistant, got[0].Role)
}
