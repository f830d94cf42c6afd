package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-study/internal/service/session"
	"github.com/zhouzirui/z-study/internal/service/turn"
	"github.com/zhouzirui/z-study/internal/transport"
)

// heldTransport streams "Hi" once release is closed; cancelled turns end early.
type heldTransport struct {
	release chan struct{}
}

func (h heldTransport) Open(ctx context.Context, _ transport.Request) (turn.Chunks, error) {
	select {
	case <-h.release:
		return &onceChunks{data: "Hi"}, nil
	case <-ctx.Done():
		return nil, transport.ErrCancelled
	}
}

type onceChunks struct {
	data string
	sent bool
}

func (c *onceChunks) Next() ([]byte, error) {
	if c.sent {
		return nil, io.EOF
	}
	c.sent = true
	return []byte(c.data), nil
}

func (c *onceChunks) Close() error { return nil }

func setupRouter(release chan struct{}) (*chi.Mux, *session.Manager) {
	mgr := session.NewManager(session.ManagerConfig{
		Transport: heldTransport{release: release},
		Turn:      turn.DefaultConfig("http://backend.test/chat"),
	})
	r := chi.NewRouter()
	New(mgr).RegisterRoutes(r)
	return r, mgr
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decodeView(t *testing.T, resp *httptest.ResponseRecorder) session.View {
	t.Helper()
	var view session.View
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	return view
}

func TestSendRejectsEmptyContent(t *testing.T) {
	r, _ := setupRouter(make(chan struct{}))

	resp := doJSON(r, http.MethodPost, "/chats/chat_1/messages", map[string]string{"content": "  "})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSendInvalidBody(t *testing.T) {
	r, _ := setupRouter(make(chan struct{}))

	req := httptest.NewRequest(http.MethodPost, "/chats/chat_1/messages", strings.NewReader("{"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSendWhileBusyConflicts(t *testing.T) {
	release := make(chan struct{})
	r, mgr := setupRouter(release)
	defer mgr.CloseAll()

	resp := doJSON(r, http.MethodPost, "/chats/chat_1/messages", map[string]string{"content": "Hello"})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	var started turnResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if started.TurnID == "" || started.AssistantMessageID == "" {
		t.Fatalf("unexpected turn response %+v", started)
	}

	resp = doJSON(r, http.MethodPost, "/chats/chat_1/messages", map[string]string{"content": "Again"})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}

	view := decodeView(t, doJSON(r, http.MethodGet, "/chats/chat_1/messages", nil))
	if !view.Busy || len(view.Messages) != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestStopKeepsPartialState(t *testing.T) {
	r, _ := setupRouter(make(chan struct{}))

	if resp := doJSON(r, http.MethodPost, "/chats/chat_1/messages", map[string]string{"content": "Hello"}); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}

	resp := doJSON(r, http.MethodPost, "/chats/chat_1/stop", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	view := decodeView(t, resp)
	if view.Status != turn.StatusReady || view.Busy {
		t.Fatalf("unexpected view after stop %+v", view)
	}
	if len(view.Messages) != 2 || view.Messages[1].Content != "" {
		t.Fatalf("unexpected messages after stop %+v", view.Messages)
	}
}

func TestRetryWithoutMessages(t *testing.T) {
	r, _ := setupRouter(make(chan struct{}))

	resp := doJSON(r, http.MethodPost, "/chats/chat_1/retry", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestRetryRegeneratesReply(t *testing.T) {
	release := make(chan struct{})
	close(release)
	r, mgr := setupRouter(release)

	if resp := doJSON(r, http.MethodPost, "/chats/chat_1/messages", map[string]string{"content": "Hello"}); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	sess, err := mgr.Get("chat_1")
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	waitReady(t, sess)

	resp := doJSON(r, http.MethodPost, "/chats/chat_1/retry", nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	waitReady(t, sess)

	messages := sess.Messages()
	if len(messages) != 2 || messages[1].Content != "Hi" {
		t.Fatalf("unexpected messages after retry %+v", messages)
	}
}

func TestCloseSession(t *testing.T) {
	r, _ := setupRouter(make(chan struct{}))

	if resp := doJSON(r, http.MethodPost, "/chats/chat_1/retry", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp := doJSON(r, http.MethodDelete, "/chats/chat_1/", nil); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp := doJSON(r, http.MethodDelete, "/chats/chat_1/", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestReadsDoNotOpenSessions(t *testing.T) {
	r, mgr := setupRouter(make(chan struct{}))

	resp := doJSON(r, http.MethodGet, "/chats/chat_9/messages", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	view := decodeView(t, resp)
	if view.Status != turn.StatusReady || view.Messages == nil || len(view.Messages) != 0 {
		t.Fatalf("unexpected view %+v", view)
	}
	if resp := doJSON(r, http.MethodPost, "/chats/chat_9/stop", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if _, err := mgr.Get("chat_9"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected no live session, got %v", err)
	}
}

func TestWebSocketPushesSnapshots(t *testing.T) {
	release := make(chan struct{})
	close(release)
	r, mgr := setupRouter(release)
	defer mgr.CloseAll()

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chats/chat_1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(inboundMessage{Type: "send", Content: "Hello"}); err != nil {
		t.Fatalf("write err: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawTurn := false
	for {
		var msg struct {
			Type     string `json:"type"`
			Status   string `json:"status"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read err: %v", err)
		}
		if msg.Type == "turn" {
			sawTurn = true
		}
		if msg.Type == "snapshot" && msg.Status == string(turn.StatusReady) && len(msg.Messages) == 2 && msg.Messages[1].Content == "Hi" {
			break
		}
	}
	if !sawTurn {
		t.Fatal("expected a turn acknowledgement before the final snapshot")
	}
}

func TestWebSocketRejectsUnknownType(t *testing.T) {
	r, mgr := setupRouter(make(chan struct{}))
	defer mgr.CloseAll()

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chats/chat_1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(inboundMessage{Type: "dance"}); err != nil {
		t.Fatalf("write err: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg outgoingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read err: %v", err)
		}
		if msg.Type == "error" {
			if !strings.Contains(msg.Message, "dance") {
				t.Fatalf("unexpected error message %q", msg.Message)
			}
			return
		}
	}
}

func waitReady(t *testing.T, sess *session.Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.Status() == turn.StatusReady {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session stuck in %s", sess.Status())
}
