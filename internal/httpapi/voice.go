package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/auth"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/metrics"
	"github.com/TwistrOP/Generative-AI-Pyschologist/pkg/voice"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
)

// voiceHandler runs one voice.Machine per websocket. The browser does speech
// recognition and audio output; the server drives the session.
type voiceHandler struct {
	chat     ChatService
	speech   Synthesizer
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func newVoiceHandler(c ChatService, s Synthesizer, m *metrics.Metrics, origins []string) *voiceHandler {
	return &voiceHandler{
		chat:    c,
		speech:  s,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(origins, origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Client to server.
type voiceInbound struct {
	Type             string `json:"type"`
	CaptureSupported bool   `json:"captureSupported,omitempty"`
	Text             string `json:"text,omitempty"`
	IsFinal          bool   `json:"isFinal,omitempty"`
	PlaybackID       string `json:"playbackId,omitempty"`
	ConversationID   *int64 `json:"conversationId,omitempty"`
}

// Server to client.
type voiceOutbound struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	State          string `json:"state,omitempty"`
	Transcript     string `json:"transcript,omitempty"`
	Command        string `json:"command,omitempty"`
	PlaybackID     string `json:"playbackId,omitempty"`
	AudioContent   string `json:"audioContent,omitempty"`
	ReplyText      string `json:"replyText,omitempty"`
	ConversationID int64  `json:"conversationId,omitempty"`
	Error          string `json:"error,omitempty"`
	Code           string `json:"code,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type wsWriter struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
}

func (w *wsWriter) send(msg voiceOutbound) error {
	msg.SessionID = w.sessionID
	msg.Timestamp = time.Now().UnixMilli()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := w.conn.WriteJSON(msg)
	if err != nil {
		logger.L.Debug("voice write failed", "session_id", w.sessionID, "type", msg.Type, "error", err)
	}
	return err
}

func (h *voiceHandler) serve(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Warn("voice upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	out := &wsWriter{conn: conn, sessionID: uuid.NewString()}
	log := logger.L.With("session_id", out.sessionID, "user_id", userID)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var hello voiceInbound
	if err := conn.ReadJSON(&hello); err != nil {
		log.Debug("voice hello not received", "error", err)
		return
	}
	if hello.Type != "hello" {
		out.send(voiceOutbound{Type: "error", Error: "expected hello"})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go pingLoop(ctx, conn)

	capture := &wsCapture{out: out, supported: hello.CaptureSupported}
	player := &wsPlayer{out: out, pending: make(map[string]func())}
	sender := &chatSender{chat: h.chat, userID: userID, conversationID: hello.ConversationID}

	m := voice.New(capture, sender, h.speech, player, voice.Hooks{
		OnState: func(s voice.Snapshot) {
			out.send(voiceOutbound{Type: "state", State: fmt.Sprint(s.State), Transcript: s.Transcript})
		},
		OnError: func(err error) {
			msg := voiceOutbound{Type: "error", Error: voice.MessageFailed}
			var f *voice.Failure
			if errors.As(err, &f) {
				msg.Error = f.Message
			}
			if voice.IsContentRejected(err) {
				msg.Code = CodeContentRejected
			}
			log.Info("voice session error", "error", err)
			out.send(msg)
		},
		OnReply: func(rep voice.Reply) {
			out.send(voiceOutbound{Type: "reply", ReplyText: rep.Text, ConversationID: rep.ConversationID})
		},
	})
	defer m.Close()

	h.metrics.VoiceSessionOpened()
	defer h.metrics.VoiceSessionClosed()
	log.Info("voice session opened", "capture_supported", hello.CaptureSupported)

	for {
		var msg voiceInbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("voice read error", "error", err)
			}
			log.Info("voice session closed")
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "start":
			m.Start()
		case "stop":
			m.Stop()
		case "toggle":
			m.Toggle()
		case "dismiss":
			m.Dismiss()
		case "transcript":
			capture.result(voice.Fragment{Text: msg.Text, Final: msg.IsFinal})
		case "capture_end":
			capture.ended()
		case "playback_ended":
			player.ended(msg.PlaybackID)
		case "select":
			sender.selectConversation(msg.ConversationID)
		default:
			out.send(voiceOutbound{Type: "error", Error: "unsupported message type: " + msg.Type})
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// wsCapture relays recognition commands to the browser and its results back
// to the machine.
type wsCapture struct {
	out       *wsWriter
	supported bool

	mu       sync.Mutex
	handlers *voice.CaptureHandlers
}

func (c *wsCapture) Supported() bool { return c.supported }

func (c *wsCapture) Start(h voice.CaptureHandlers) error {
	c.mu.Lock()
	c.handlers = &h
	c.mu.Unlock()
	return c.out.send(voiceOutbound{Type: "capture", Command: "start"})
}

func (c *wsCapture) Stop() {
	c.out.send(voiceOutbound{Type: "capture", Command: "stop"})
}

func (c *wsCapture) current() *voice.CaptureHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *wsCapture) result(f voice.Fragment) {
	if h := c.current(); h != nil && h.OnResult != nil {
		h.OnResult(f)
	}
}

func (c *wsCapture) ended() {
	if h := c.current(); h != nil && h.OnEnd != nil {
		h.OnEnd()
	}
}

// wsPlayer ships audio to the browser, one playback id per clip.
type wsPlayer struct {
	out *wsWriter

	mu      sync.Mutex
	pending map[string]func()
}

type wsPlayback struct {
	player *wsPlayer
	id     string
}

func (p *wsPlayer) Play(audio []byte, onEnded func()) (voice.Playback, error) {
	id := uuid.NewString()
	p.mu.Lock()
	p.pending[id] = onEnded
	p.mu.Unlock()

	err := p.out.send(voiceOutbound{
		Type:         "audio",
		PlaybackID:   id,
		AudioContent: base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		p.forget(id)
		return nil, err
	}
	return &wsPlayback{player: p, id: id}, nil
}

func (p *wsPlayer) forget(id string) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn := p.pending[id]
	delete(p.pending, id)
	return fn
}

func (p *wsPlayer) ended(id string) {
	if fn := p.forget(id); fn != nil {
		fn()
	}
}

func (pb *wsPlayback) Stop() {
	if pb.player.forget(pb.id) == nil {
		return
	}
	pb.player.out.send(voiceOutbound{Type: "stop_audio", PlaybackID: pb.id})
}

// chatSender sends utterances through the chat service, following the
// conversation each reply lands in.
type chatSender struct {
	chat   ChatService
	userID int64

	mu             sync.Mutex
	conversationID *int64
}

func (s *chatSender) selectConversation(id *int64) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

func (s *chatSender) Send(ctx context.Context, text string) (voice.Reply, error) {
	s.mu.Lock()
	target := s.conversationID
	s.mu.Unlock()

	res, err := s.chat.SendMessage(ctx, s.userID, target, text)
	if err != nil {
		return voice.Reply{}, err
	}
	id := res.ConversationID
	s.selectConversation(&id)
	return voice.Reply{Text: res.ReplyText, ConversationID: res.ConversationID}, nil
}
