package chat

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-study/internal/service/session"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type inboundMessage struct {
	Type    string            `json:"type"`
	Content string            `json:"content,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

type outgoingMessage struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId,omitempty"`
	*session.View
	Turn      *turnResponse `json:"turn,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// wsConn 串行化对同一连接的写操作
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(msg outgoingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleWebSocket 推送会话快照并接收 send/stop/retry 指令
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.openSession(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	chatID := sess.ID().String()
	log.Printf("[ws] new connection for chat: %s", chatID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := &wsConn{conn: conn}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.pingLoop(ctx, out)
	go h.pushLoop(ctx, cancel, out, sess)

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(ctx, out, sess, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, out *wsConn, sess *session.Session, msg *inboundMessage) {
	chatID := sess.ID().String()
	switch msg.Type {
	case "send":
		started, err := sess.Send(ctx, msg.Content, requestOptions(msg.Headers, msg.Body)...)
		if err != nil {
			h.sendError(out, chatID, err.Error())
			return
		}
		resp := newTurnResponse(started)
		h.send(out, outgoingMessage{Type: "turn", ChatID: chatID, Turn: &resp})
	case "stop":
		sess.Stop()
	case "retry":
		started, err := sess.RetryLast(ctx)
		if err != nil {
			h.sendError(out, chatID, err.Error())
			return
		}
		if started != nil {
			resp := newTurnResponse(started)
			h.send(out, outgoingMessage{Type: "turn", ChatID: chatID, Turn: &resp})
		}
	default:
		h.sendError(out, chatID, "unsupported message type: "+msg.Type)
	}
}

// pushLoop 将会话变化推送给客户端，会话关闭时断开连接
func (h *Handler) pushLoop(ctx context.Context, cancel context.CancelFunc, out *wsConn, sess *session.Session) {
	views, stop := sess.Watch()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case view, ok := <-views:
			if !ok {
				cancel()
				out.conn.Close()
				return
			}
			if err := out.writeJSON(outgoingMessage{
				Type:      "snapshot",
				ChatID:    sess.ID().String(),
				View:      &view,
				Timestamp: time.Now().Unix(),
			}); err != nil {
				log.Printf("[ws] write snapshot failed: %v", err)
				cancel()
				return
			}
		}
	}
}

func (h *Handler) send(out *wsConn, msg outgoingMessage) {
	msg.Timestamp = time.Now().Unix()
	if err := out.writeJSON(msg); err != nil {
		log.Printf("[ws] write failed: %v", err)
	}
}

func (h *Handler) sendError(out *wsConn, chatID, message string) {
	h.send(out, outgoingMessage{Type: "error", ChatID: chatID, Message: message})
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, out *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := out.ping(); err != nil {
				return
			}
		}
	}
}
