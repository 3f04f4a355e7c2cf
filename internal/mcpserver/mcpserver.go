// Package mcpserver exposes read-only operator tools over the Model Context
// Protocol (stdio transport).
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/chat"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/emotion"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/history"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
)

// Service is implemented by *chat.Service.
type Service interface {
	History(ctx context.Context, userID int64) ([]history.Conversation, error)
	EmotionHistory(ctx context.Context, userID, conversationID int64) ([]emotion.Point, error)
}

type Tools struct {
	svc Service
}

func New(svc Service, version string) *server.MCPServer {
	t := &Tools{svc: svc}
	s := server.NewMCPServer("athena", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("list_conversations",
		mcp.WithDescription("List a user's conversations, most recently updated first, with message counts."),
		mcp.WithNumber("user_id", mcp.Required(), mcp.Description("Owner of the conversations")),
	), t.ListConversations)

	s.AddTool(mcp.NewTool("emotion_history",
		mcp.WithDescription("Aligned emotion series of one conversation: one point per analyzed user message."),
		mcp.WithNumber("user_id", mcp.Required(), mcp.Description("Owner of the conversation")),
		mcp.WithNumber("conversation_id", mcp.Required(), mcp.Description("Conversation to chart")),
	), t.EmotionHistory)

	return s
}

// Serve runs the tools on stdin/stdout until the input closes.
func Serve(svc Service, version string) error {
	return server.ServeStdio(New(svc, version))
}

type conversationSummary struct {
	ID           int64  `json:"id"`
	UpdatedAt    string `json:"updatedAt"`
	MessageCount int    `json:"messageCount"`
	LastMessage  string `json:"lastMessage,omitempty"`
}

func (t *Tools) ListConversations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := requireID(req, "user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	convs, err := t.svc.History(ctx, userID)
	if err != nil {
		logger.L.Error("mcp list_conversations failed", "user_id", userID, "error", err)
		return mcp.NewToolResultError("failed to list conversations"), nil
	}

	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		s := conversationSummary{
			ID:           c.ID,
			UpdatedAt:    c.UpdatedAt.Format(time.RFC3339),
			MessageCount: len(c.Messages),
		}
		if n := len(c.Messages); n > 0 {
			s.LastMessage = c.Messages[n-1].Text
		}
		out = append(out, s)
	}
	return jsonResult(out)
}

func (t *Tools) EmotionHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := requireID(req, "user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	convID, err := requireID(req, "conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	points, err := t.svc.EmotionHistory(ctx, userID, convID)
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("conversation %d not found for user %d", convID, userID)), nil
	case err != nil:
		logger.L.Error("mcp emotion_history failed", "user_id", userID, "conversation_id", convID, "error", err)
		return mcp.NewToolResultError("failed to load emotion history"), nil
	}
	return jsonResult(points)
}

func requireID(req mcp.CallToolRequest, key string) (int64, error) {
	v, err := req.RequireFloat(key)
	if err != nil {
		return 0, err
	}
	if v <= 0 || v != float64(int64(v)) {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return int64(v), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
