package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-study/internal/model/chat"
	"github.com/zhouzirui/z-study/internal/service/session"
	"github.com/zhouzirui/z-study/internal/service/turn"
	"github.com/zhouzirui/z-study/pkg/utils"
)

// Handler 聊天会话的HTTP处理器
type Handler struct {
	sessions *session.Manager
	upgrader websocket.Upgrader
}

// New 创建聊天处理器
func New(sessions *session.Manager) *Handler {
	return &Handler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chats/{chatID}", func(r chi.Router) {
		r.Get("/messages", h.handleGetMessages)
		r.Post("/messages", h.handleSend)
		r.Post("/stop", h.handleStop)
		r.Post("/retry", h.handleRetry)
		r.Delete("/", h.handleClose)
		r.Get("/ws", h.handleWebSocket)
	})
}

// turnResponse 描述新开始的一轮对话
type turnResponse struct {
	TurnID             string         `json:"turnId"`
	UserMessageID      chat.MessageID `json:"userMessageId"`
	AssistantMessageID chat.MessageID `json:"assistantMessageId"`
}

// openSession 解析路径中的 chatID 并打开会话
func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	chatID, err := chat.ParseChatID(chi.URLParam(r, "chatID"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	sess, err := h.sessions.Open(r.Context(), chatID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return sess, true
}

// handleGetMessages 返回会话当前状态与消息列表，不会创建会话
func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := chat.ParseChatID(chi.URLParam(r, "chatID"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := h.sessions.View(r.Context(), chatID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

// handleSend 发送用户消息并开始流式回复
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string            `json:"content"`
		Headers map[string]string `json:"headers"`
		Body    map[string]any    `json:"body"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, ok := h.openSession(w, r)
	if !ok {
		return
	}

	started, err := sess.Send(r.Context(), payload.Content, requestOptions(payload.Headers, payload.Body)...)
	if err != nil {
		respondTurnError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, newTurnResponse(started))
}

// handleStop 停止当前回复，已生成的内容保留
func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	chatID, err := chat.ParseChatID(chi.URLParam(r, "chatID"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.sessions.Get(chatID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	sess.Stop()
	utils.RespondJSON(w, http.StatusOK, sess.Snapshot())
}

// handleRetry 重新生成最后一条回复
func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.openSession(w, r)
	if !ok {
		return
	}

	started, err := sess.RetryLast(r.Context())
	if err != nil {
		respondTurnError(w, err)
		return
	}
	if started == nil {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "nothing to retry"})
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, newTurnResponse(started))
}

// handleClose 关闭会话并保存对话记录
func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	chatID, err := chat.ParseChatID(chi.URLParam(r, "chatID"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessions.Close(chatID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newTurnResponse(started *turn.Turn) turnResponse {
	return turnResponse{
		TurnID:             started.ID,
		UserMessageID:      started.UserMessageID,
		AssistantMessageID: started.AssistantMessageID,
	}
}

func requestOptions(headers map[string]string, body map[string]any) []turn.RequestOption {
	var opts []turn.RequestOption
	if len(headers) > 0 {
		opts = append(opts, turn.WithHeaders(headers))
	}
	if len(body) > 0 {
		opts = append(opts, turn.WithBody(body))
	}
	return opts
}

func respondTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, turn.ErrBusy):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, turn.ErrEmptyMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
