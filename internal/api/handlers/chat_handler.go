package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/chat"
	"github.com/markdave123-py/contexta/internal/core/retrieval"
	"github.com/markdave123-py/contexta/internal/models"
)

// newConversation in the path starts a conversation with a generated id.
const newConversation = "new"

type ChatHandler struct {
	chats *chat.Manager
	log   *slog.Logger
}

func NewChatHandler(chats *chat.Manager) *ChatHandler {
	return &ChatHandler{chats: chats, log: slog.With("component", "chat_api")}
}

type ChatRequest struct {
	Message  string            `json:"message"`
	Provider string            `json:"provider,omitempty"`
	Filters  retrieval.Filters `json:"filters"`
}

// ChatError is the payload of the SSE error event.
type ChatError struct {
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
	Message *models.Message `json:"message,omitempty"`
}

// sseWriter writes server-sent events, sending headers on first use.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) event(name string, v any) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// SendMessage streams one chat turn as server-sent events: a token event per
// chunk of the answer, then done with the stored turn, or error with its kind.
// Requests rejected before the turn starts get a plain JSON error.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, fmt.Errorf("%w: message is required", core.ErrInvalidInput))
		return
	}
	convID := chi.URLParam(r, "conversation_id")
	if convID == newConversation {
		convID = ""
	}

	flusher, _ := w.(http.Flusher)
	sse := &sseWriter{w: w, flusher: flusher}
	onToken := func(tok string) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		return sse.event("token", map[string]string{"text": tok})
	}

	res, err := h.chats.SendMessage(r.Context(), chat.Turn{
		OwnerID:        ownerID,
		ConversationID: convID,
		Text:           req.Message,
		Provider:       req.Provider,
		Filters:        req.Filters,
	}, onToken)
	if err != nil {
		if res == nil && !sse.started {
			writeError(w, err)
			return
		}
		body := ChatError{Error: err.Error(), Kind: core.KindOf(err)}
		if res != nil {
			body.Message = &res.AssistantMessage
		}
		if werr := sse.event("error", body); werr != nil {
			h.log.Debug("client gone before error event", "err", werr)
		}
		return
	}
	if err := sse.event("done", res); err != nil {
		h.log.Debug("client gone before done event", "err", err)
	}
}

func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	convs, err := h.chats.ListConversations(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conv, err := h.chats.GetConversation(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.chats.DeleteConversation(r.Context(), ownerID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
