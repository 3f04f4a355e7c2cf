package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/emotion"
)

// safetyMarkers identify a 400 response as a content-safety rejection.
var safetyMarkers = []string{"harmful content", "safety", "content policy", "content_policy"}

// AthenaBackend talks to the analysis service's POST /chat endpoint.
type AthenaBackend struct {
	baseURL string
	client  *http.Client
}

func NewAthenaBackend(baseURL string, client *http.Client) *AthenaBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &AthenaBackend{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (b *AthenaBackend) Name() string { return "athena" }

type chatRequest struct {
	UserInput string `json:"user_input"`
	History   []Turn `json:"history"`
}

type chatResponse struct {
	Response *string        `json:"response"`
	Emotions emotion.Vector `json:"emotions"`
	Analysis struct {
		Emotions emotion.Vector `json:"emotions"`
	} `json:"analysis"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
	Code   string          `json:"code"`
}

// Complete posts the exchange and decodes the reply and emotion analysis.
func (b *AthenaBackend) Complete(ctx context.Context, userText string, history []Turn) (Reply, error) {
	if history == nil {
		history = []Turn{}
	}
	body, err := json.Marshal(chatRequest{UserInput: userText, History: history})
	if err != nil {
		return Reply{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if resp.StatusCode == http.StatusBadRequest {
			if reason, ok := safetyRejection(raw); ok {
				return Reply{}, &ContentRejectedError{Reason: reason}
			}
		}
		return Reply{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if out.Response == nil {
		return Reply{}, errors.New("decode reply: missing response field")
	}

	emotions := out.Analysis.Emotions
	if len(emotions) == 0 {
		emotions = out.Emotions
	}
	return Reply{Text: *out.Response, Emotions: emotions}, nil
}

func safetyRejection(raw []byte) (string, bool) {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", false
	}
	var detail string
	if err := json.Unmarshal(e.Detail, &detail); err != nil {
		detail = ""
	}
	haystack := strings.ToLower(detail + " " + e.Code)
	for _, marker := range safetyMarkers {
		if strings.Contains(haystack, marker) {
			return detail, true
		}
	}
	return "", false
}
