package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/auth"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/chat"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/emotion"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/history"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/metrics"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/speech"
	"github.com/TwistrOP/Generative-AI-Pyschologist/pkg/voice"
)

// CodeContentRejected is the error code of a safety-filter refusal.
const CodeContentRejected = "content_rejected"

const (
	msgServerError   = "Server Error"
	msgEmptyMessage  = "Message text cannot be empty"
	msgTextRequired  = "Text is required"
	msgBadBody       = "Invalid request body"
	msgTooMany       = "Too many requests, slow down"
	msgNotFound      = "Conversation not found"
	msgSynthesisFail = "Failed to synthesize speech"
)

const maxBodyBytes = 1 << 20

type chatHandler struct {
	chat    ChatService
	speech  Synthesizer
	limits  *limiterPool
	metrics *metrics.Metrics
}

func (h *chatHandler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/history", h.chatHistory)
	r.Post("/chat/send-message", h.sendMessage)
	r.Get("/chat/{conversationId}/emotions", h.emotions)
	r.Post("/tts/synthesize", h.synthesize)
}

func (h *chatHandler) chatHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	convs, err := h.chat.History(r.Context(), userID)
	if err != nil {
		logger.L.Error("fetch chat history failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, msgServerError)
		return
	}
	if convs == nil {
		convs = []history.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

type sendMessageRequest struct {
	Text           string `json:"text"`
	ConversationID *int64 `json:"conversationId"`
}

func (h *chatHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	if !h.limits.Allow(userID) {
		h.metrics.RateLimited()
		respondError(w, http.StatusTooManyRequests, msgTooMany)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, msgBadBody)
		return
	}

	res, err := h.chat.SendMessage(r.Context(), userID, req.ConversationID, req.Text)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, chat.ErrEmptyText):
		respondError(w, http.StatusBadRequest, msgEmptyMessage)
	case voice.IsContentRejected(err):
		logger.L.Info("message rejected by safety filter", "user_id", userID, "conversation_id", res.ConversationID)
		respondJSON(w, http.StatusBadRequest, errorBody{Error: voice.MessageRejected, Code: CodeContentRejected})
	default:
		logger.L.Error("send message failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, msgServerError)
	}
}

func (h *chatHandler) emotions(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "conversationId"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}

	points, err := h.chat.EmotionHistory(r.Context(), userID, id)
	switch {
	case err == nil:
		if points == nil {
			points = []emotion.Point{}
		}
		respondJSON(w, http.StatusOK, points)
	case errors.Is(err, chat.ErrConversationNotFound):
		respondError(w, http.StatusNotFound, msgNotFound)
	default:
		logger.L.Error("fetch emotion history failed", "user_id", userID, "conversation_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, msgServerError)
	}
}

func (h *chatHandler) synthesize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"message": msgTextRequired})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"message": msgTextRequired})
		return
	}

	audio, err := h.speech.Synthesize(r.Context(), req.Text)
	if err != nil {
		if errors.Is(err, speech.ErrEmptyText) {
			respondJSON(w, http.StatusBadRequest, map[string]string{"message": msgTextRequired})
			return
		}
		logger.L.Error("synthesize speech failed", "error", err)
		respondError(w, http.StatusInternalServerError, msgSynthesisFail)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"audioContent": base64.StdEncoding.EncodeToString(audio)})
}
