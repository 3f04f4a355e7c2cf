// Package llm is the gateway to the external reasoning service. Exchange
// never fails for transport reasons: it degrades to a fixed fallback reply so
// the conversation can continue. Only safety rejections surface as errors.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/emotion"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
)

// FallbackReply is returned whenever the reasoning service cannot answer.
const FallbackReply = "I'm finding it difficult to process that specific thought. Could you perhaps try rephrasing it? I am still here to listen."

const (
	// MaxHistoryTurns bounds the context passed to the reasoning service.
	MaxHistoryTurns = 30
	DefaultTimeout  = 60 * time.Second
)

// Outcome labels reported to the Observer.
const (
	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
	OutcomeRejected = "rejected"
)

// ErrEmptyInput is returned for blank user text; no request is made.
var ErrEmptyInput = errors.New("message text cannot be empty")

// Role is the speaker of a history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message handed to the reasoning service.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Reply is the result of an exchange. Emotions is nil when the service
// returned no analysis or the fallback was used.
type Reply struct {
	Text     string
	Emotions emotion.Vector
	Fallback bool
}

// ContentRejectedError reports that the reasoning service refused the input
// on safety grounds.
type ContentRejectedError struct {
	Reason string
}

func (e *ContentRejectedError) Error() string {
	if e.Reason == "" {
		return "content rejected by safety filter"
	}
	return "content rejected by safety filter: " + e.Reason
}

// ContentRejected lets callers outside this package classify the error
// without importing it.
func (e *ContentRejectedError) ContentRejected() bool { return true }

// Gateway wraps a Backend with validation, history truncation, a hard timeout
// and fail-open semantics.
type Gateway struct {
	backend  Backend
	timeout  time.Duration
	observer Observer
}

type Option func(*Gateway)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

func New(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{backend: backend, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Exchange sends userText with up to MaxHistoryTurns of history.
func (g *Gateway) Exchange(ctx context.Context, userText string, history []Turn) (Reply, error) {
	if strings.TrimSpace(userText) == "" {
		return Reply{}, ErrEmptyInput
	}

	if len(history) > MaxHistoryTurns {
		history = history[len(history)-MaxHistoryTurns:]
	}
	turns := make([]Turn, len(history))
	for i, t := range history {
		role := RoleAssistant
		if t.Role == RoleUser {
			role = RoleUser
		}
		turns[i] = Turn{Role: role, Content: t.Content}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	reply, err := g.backend.Complete(ctx, userText, turns)
	elapsed := time.Since(start)

	var rejected *ContentRejectedError
	switch {
	case errors.As(err, &rejected):
		logger.L.Warn("reasoning input rejected", "backend", g.backend.Name(), "reason", rejected.Reason)
		g.observe(OutcomeRejected, elapsed)
		return Reply{}, rejected
	case err != nil:
		logger.L.Error("reasoning call failed; using fallback reply",
			"backend", g.backend.Name(),
			"error", err,
			"elapsed_ms", elapsed.Milliseconds(),
		)
		g.observe(OutcomeFallback, elapsed)
		return Reply{Text: FallbackReply, Fallback: true}, nil
	}

	reply.Emotions = emotion.Normalize(reply.Emotions)
	reply.Fallback = false
	g.observe(OutcomeOK, elapsed)
	logger.L.Debug("reasoning reply", "backend", g.backend.Name(), "chars", len(reply.Text), "emotions", len(reply.Emotions))
	return reply, nil
}

func (g *Gateway) observe(outcome string, elapsed time.Duration) {
	if g.observer != nil {
		g.observer.ObserveReasoning(g.backend.Name(), outcome, elapsed.Seconds())
	}
}

// String is used in startup logs.
func (g *Gateway) String() string {
	return fmt.Sprintf("%s (timeout %s)", g.backend.Name(), g.timeout)
}
