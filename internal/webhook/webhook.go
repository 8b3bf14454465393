// Package webhook is the HTTP intake surface: it validates, dedupes, and
// routes chat-platform message events into the orchestrator.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskorch/taskorch/internal/idempotency"
	"github.com/taskorch/taskorch/internal/orchestrator"
	"github.com/taskorch/taskorch/internal/tasktype"
)

// supportedEventType is the only chat event this intake surface acts on;
// everything else is acknowledged but ignored.
const supportedEventType = "im.message.receive_v1"

// Handler wires the webhook's HTTP surface to an Orchestrator.
type Handler struct {
	Orchestrator *orchestrator.Orchestrator
	Seen         *idempotency.SeenStore

	VerificationToken string
	Repo              orchestrator.RepoConfig
	Flags             orchestrator.PolicyFlags

	Logger *slog.Logger
}

// NewRouter builds the chi.Router serving h's endpoints.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", h.handleHealth)
	r.Post("/", h.handleEvent)
	return r
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// inboundEnvelope is the union of the handshake and event payload shapes
// the chat platform posts to this endpoint.
type inboundEnvelope struct {
	Type      string         `json:"type"`
	Challenge string         `json:"challenge"`
	Token     string         `json:"token"`
	Header    *inboundHeader `json:"header"`
	Event     *inboundEvent  `json:"event"`
}

type inboundHeader struct {
	EventType string `json:"event_type"`
	Token     string `json:"token"`
}

type inboundEvent struct {
	Message *inboundMessage `json:"message"`
	Sender  *inboundSender  `json:"sender"`
}

type inboundMessage struct {
	MessageID string          `json:"message_id"`
	ChatID    string          `json:"chat_id"`
	Content   json.RawMessage `json:"content"`
}

type inboundSender struct {
	SenderID *inboundSenderID `json:"sender_id"`
	OpenID   string           `json:"open_id"`
}

type inboundSenderID struct {
	OpenID string `json:"open_id"`
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read request body"})
		return
	}

	var env inboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	if env.Type == "url_verification" {
		if env.Challenge == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing challenge"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"challenge": env.Challenge})
		return
	}

	eventType, token := "", env.Token
	if env.Header != nil {
		eventType = env.Header.EventType
		if token == "" {
			token = env.Header.Token
		}
	}
	if eventType != "" && eventType != supportedEventType {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "unsupported_event_type:" + eventType})
		return
	}

	if h.VerificationToken != "" && token != h.VerificationToken {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "token mismatch"})
		return
	}

	if env.Event == nil || env.Event.Message == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing event.message"})
		return
	}
	msg := env.Event.Message
	if msg.MessageID == "" || msg.ChatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing message_id or chat_id"})
		return
	}

	text, terr := extractMessageText(msg.Content)
	if terr != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid message content"})
		return
	}

	userID := senderOpenID(env.Event.Sender)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing sender open_id"})
		return
	}

	alreadySeen, serr := h.Seen.CheckAndAdd(msg.MessageID)
	if serr != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to check idempotency"})
		return
	}
	if alreadySeen {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}

	source := tasktype.Source{Type: "chat", ChatID: msg.ChatID, UserID: userID, MessageID: msg.MessageID}
	task, _, perr := h.Orchestrator.ProcessChatMessage(r.Context(),
		orchestrator.ChatRequirement{Text: text, Source: source}, h.Repo, h.Flags)
	if perr != nil {
		h.logger().Error("dispatch failed", "message_id", msg.MessageID, "error", perr)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": perr.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "task_id": task.TaskID})
}

// senderOpenID prefers sender.sender_id.open_id, falling back to
// sender.open_id.
func senderOpenID(sender *inboundSender) string {
	if sender == nil {
		return ""
	}
	if sender.SenderID != nil && sender.SenderID.OpenID != "" {
		return sender.SenderID.OpenID
	}
	return sender.OpenID
}

// extractMessageText handles content being either a JSON string holding
// escaped JSON, or a JSON object directly — both containing a "text" field.
func extractMessageText(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		var inner struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(asString), &inner); err != nil {
			return "", err
		}
		return inner.Text, nil
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return obj.Text, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
