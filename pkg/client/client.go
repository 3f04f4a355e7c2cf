// Package client is a Go client for the Athena HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("auth token is required")
	ErrEmptyText    = errors.New("text is required")
)

// CodeContentRejected marks a message refused by the safety filter.
const CodeContentRejected = "content_rejected"

type EmotionScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversationId"`
	Sender         string         `json:"sender"`
	Text           string         `json:"text"`
	EmotionData    []EmotionScore `json:"emotionData,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

type SendResult struct {
	ReplyText      string         `json:"replyText"`
	EmotionVector  []EmotionScore `json:"emotionVector,omitempty"`
	ConversationID int64          `json:"conversationId"`
}

type EmotionPoint struct {
	Timestamp time.Time      `json:"timestamp"`
	Emotions  []EmotionScore `json:"emotions"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("athena api: %d %s", e.Status, e.Message)
}

// ContentRejected reports a safety-filter refusal.
func (e *APIError) ContentRejected() bool { return e.Code == CodeContentRejected }

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. httpClient may be nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// History lists the caller's conversations with their messages.
func (c *Client) History(ctx context.Context, token string) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, token, http.MethodGet, "/api/chat/history", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage sends text to conversationID, or to a new conversation when nil.
func (c *Client) SendMessage(ctx context.Context, token, text string, conversationID *int64) (SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return SendResult{}, ErrEmptyText
	}
	body := struct {
		Text           string `json:"text"`
		ConversationID *int64 `json:"conversationId,omitempty"`
	}{Text: text, ConversationID: conversationID}

	var out SendResult
	err := c.do(ctx, token, http.MethodPost, "/api/chat/send-message", body, &out)
	return out, err
}

func (c *Client) EmotionHistory(ctx context.Context, token string, conversationID int64) ([]EmotionPoint, error) {
	var out []EmotionPoint
	if err := c.do(ctx, token, http.MethodGet, fmt.Sprintf("/api/chat/%d/emotions", conversationID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Synthesize returns decoded MP3 audio for text.
func (c *Client) Synthesize(ctx context.Context, token, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	var out struct {
		AudioContent string `json:"audioContent"`
	}
	if err := c.do(ctx, token, http.MethodPost, "/api/tts/synthesize", map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return audio, nil
}

func (c *Client) do(ctx context.Context, token, method, path string, in, out any) error {
	if token == "" {
		return ErrMissingToken
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
