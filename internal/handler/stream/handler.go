package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-study/internal/decoder"
	"github.com/zhouzirui/z-study/internal/model/chat"
	aiService "github.com/zhouzirui/z-study/internal/service/ai"
	chatService "github.com/zhouzirui/z-study/internal/service/chat"
	"github.com/zhouzirui/z-study/pkg/utils"
)

// Handler serves the streaming generation endpoint that chat sessions consume.
type Handler struct {
	generator aiService.Generator
	framing   decoder.Framing
	history   chatService.Store
}

// New creates a new stream handler. Completed exchanges are recorded in history so
// clients can fetch them back.
func New(generator aiService.Generator, framing decoder.Framing, history chatService.Store) *Handler {
	if framing == "" {
		framing = decoder.FramingText
	}
	return &Handler{
		generator: generator,
		framing:   framing,
		history:   history,
	}
}

// RegisterRoutes mounts the generation and history routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/chats/{chatID}/messages", h.handleHistory)
}

// StreamResponse is one SSE frame of the generation endpoint
type StreamResponse struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

type chatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chatId"`
	Mode    string `json:"mode"`
	Context []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"context"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}
	chatID, err := chat.ParseChatID(payload.ChatID)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	req := aiService.Request{
		ChatID:  chatID,
		Mode:    aiService.ParseMode(payload.Mode),
		History: contextMessages(payload),
		Query:   payload.Message,
	}

	stream, err := h.open(r.Context(), req)
	if err != nil {
		log.Printf("[stream] generation failed chat=%s: %v", chatID, err)
		utils.RespondError(w, http.StatusBadGateway, "generation failed")
		return
	}
	defer stream.Close()

	if h.framing == decoder.FramingSSE {
		utils.SetupSSEHeaders(w)
	} else {
		utils.SetupTextStreamHeaders(w)
	}
	w.WriteHeader(http.StatusOK)

	content, err := h.relay(w, flusher, stream)
	if err != nil {
		log.Printf("[stream] relay failed chat=%s after %d bytes: %v", chatID, len(content), err)
		if h.framing == decoder.FramingSSE {
			utils.SendSSEChunk(w, flusher, StreamResponse{Error: err.Error()})
			return
		}
		// raw text has no error frame; a broken connection is the signal
		panic(http.ErrAbortHandler)
	}

	h.record(chatID, payload.Message, content)
	if h.framing == decoder.FramingSSE {
		utils.SendSSEChunk(w, flusher, StreamResponse{Done: true})
	}
	log.Printf("[stream] completed response for chat=%s, mode=%s, length=%d", chatID, req.Mode, len(content))
}

// open returns a stream even when the generator only supports whole replies.
func (h *Handler) open(ctx context.Context, req aiService.Request) (*schema.StreamReader[*schema.Message], error) {
	if h.generator.StreamingEnabled() {
		return h.generator.Stream(ctx, req)
	}

	response, err := h.generator.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{response}), nil
}

func (h *Handler) relay(w http.ResponseWriter, flusher http.Flusher, stream *schema.StreamReader[*schema.Message]) (string, error) {
	var content strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return content.String(), nil
		}
		if recvErr != nil {
			return content.String(), fmt.Errorf("receive chunk: %w", recvErr)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		content.WriteString(chunk.Content)
		if h.framing == decoder.FramingSSE {
			utils.SendSSEChunk(w, flusher, StreamResponse{Content: chunk.Content})
		} else {
			utils.SendTextChunk(w, flusher, chunk.Content)
		}
	}
}

func (h *Handler) record(chatID chat.ChatID, userText, reply string) {
	if h.history == nil {
		return
	}
	h.history.Append(chatID, chat.NewMessage(chat.RoleUser, userText))
	h.history.Append(chatID, chat.NewMessage(chat.RoleAssistant, reply))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID, err := chat.ParseChatID(chi.URLParam(r, "chatID"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages := []chat.Message{}
	if h.history != nil {
		if stored := h.history.Messages(chatID); stored != nil {
			messages = stored
		}
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

func contextMessages(payload chatRequest) []chat.Message {
	messages := make([]chat.Message, 0, len(payload.Context))
	for _, item := range payload.Context {
		role, err := chat.ParseRole(item.Role)
		if err != nil || strings.TrimSpace(item.Content) == "" {
			continue
		}
		messages = append(messages, chat.Message{Role: role, Content: item.Content})
	}
	return messages
}
