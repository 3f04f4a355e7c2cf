// Package speech turns reply text into MP3 audio through the ElevenLabs
// text-to-speech API.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/config"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
)

// ErrEmptyText is returned for blank input; no request is made.
var ErrEmptyText = errors.New("text is required")

// Error is a synthesis failure. Status is 0 for transport errors.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return "speech synthesis failed: " + e.Message
	}
	return fmt.Sprintf("speech synthesis failed (status %d): %s", e.Status, e.Message)
}

// Observer receives one outcome per Synthesize call ("ok" or "error").
type Observer interface {
	ObserveSynthesis(outcome string)
}

// Client is a client for the ElevenLabs text-to-speech API
type Client struct {
	cfg      config.SpeechConfig
	client   *http.Client
	observer Observer
}

// NewClient creates a new Client. observer may be nil.
func NewClient(cfg config.SpeechConfig, observer Observer) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		observer: observer,
	}
}

type ttsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize returns MP3 audio for text. Text longer than the configured chunk
// size is split at sentence boundaries and the segments concatenated.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	var audio bytes.Buffer
	for _, chunk := range Chunk(text, c.cfg.MaxChunkChars) {
		part, err := c.synthesizeChunk(ctx, chunk)
		if err != nil {
			c.observe("error")
			logger.L.Error("speech synthesis failed", "error", err, "chars", len(text))
			return nil, err
		}
		audio.Write(part)
	}
	c.observe("ok")
	return audio.Bytes(), nil
}

func (c *Client) synthesizeChunk(ctx context.Context, text string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/text-to-speech/%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.VoiceID)

	body, err := json.Marshal(ttsRequest{Text: text, ModelID: c.cfg.ModelID})
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}

	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &Error{Status: resp.StatusCode, Message: upstreamMessage(raw)}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	if len(audio) == 0 {
		return nil, &Error{Status: resp.StatusCode, Message: "empty audio"}
	}
	return audio, nil
}

func (c *Client) observe(outcome string) {
	if c.observer != nil {
		c.observer.ObserveSynthesis(outcome)
	}
}

// upstreamMessage pulls detail.message out of an ElevenLabs error body.
func upstreamMessage(raw []byte) string {
	var body struct {
		Detail struct {
			Message string `json:"message"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail.Message != "" {
		return body.Detail.Message
	}
	return http.StatusText(http.StatusBadGateway)
}

// Chunk splits text into pieces of at most limit runes, preferring sentence
// ends, then whitespace. limit <= 0 disables splitting.
func Chunk(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var out []string
	for len(runes) > limit {
		cut := lastBreak(runes[:limit], func(r rune) bool { return r == '.' || r == '!' || r == '?' || r == '\n' })
		if cut <= 0 {
			cut = lastBreak(runes[:limit], unicode.IsSpace)
		}
		if cut <= 0 {
			cut = limit
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		runes = runes[cut:]
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		out = append(out, rest)
	}
	return out
}

// lastBreak returns the index just past the last rune matching fn, or 0.
func lastBreak(runes []rune, fn func(rune) bool) int {
	for i := len(runes) - 1; i > 0; i-- {
		if fn(runes[i]) {
			return i + 1
		}
	}
	return 0
}
