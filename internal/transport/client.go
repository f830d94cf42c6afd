// Package transport opens streamed chat responses over HTTP and exposes the body as an
// ordered sequence of raw chunks.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/z-study/internal/model/chat"
)

const (
	defaultIdleTimeout = 60 * time.Second
	defaultChunkSize   = 4096
	maxErrorBody       = 4096
)

var (
	// ErrCancelled marks a stream aborted by its caller. It is not a failure.
	ErrCancelled = errors.New("chat stream cancelled")
	// ErrIdleTimeout is wrapped in a TransportError when the server goes silent.
	ErrIdleTimeout = errors.New("chat stream idle timeout")
)

// TransportError covers connection failures, non-2xx responses and mid-stream drops.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("chat transport: server error (%d): %s", e.StatusCode, e.Body)
		}
		return fmt.Sprintf("chat transport: server error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("chat transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Request describes one streamed chat call.
type Request struct {
	Endpoint string
	ChatID   chat.ChatID
	Message  string
	// Context is the running conversation sent alongside the new message.
	Context []chat.Message
	Headers map[string]string
	// Body entries are merged into the JSON payload after the standard fields.
	Body map[string]any
	// OnResponse runs once response headers arrive, before the status is checked.
	OnResponse func(*http.Response)
}

type contextMessage struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

// Client is the HTTP side of a chat turn.
type Client struct {
	httpClient  *http.Client
	idleTimeout time.Duration
	chunkSize   int
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client. Its Timeout should be zero for streaming.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithIdleTimeout bounds the silence allowed between chunks (and before headers).
// Zero or negative disables the check.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.idleTimeout = d
	}
}

// WithChunkSize sets the read buffer size used per chunk.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// NewClient creates a transport client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{},
		idleTimeout: defaultIdleTimeout,
		chunkSize:   defaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open posts the request and returns the response body as a Stream. Failures before any
// byte is read come back as *TransportError, or ErrCancelled if ctx was cancelled.
func (c *Client) Open(ctx context.Context, req Request) (*Stream, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := newStream(ctx, cancel, c.idleTimeout, c.chunkSize)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, req.Endpoint, bytes.NewReader(payload))
	if err != nil {
		stream.Close()
		return nil, &TransportError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	stream.arm()
	resp, err := c.httpClient.Do(httpReq)
	stream.disarm()
	if err != nil {
		err = stream.classify(err)
		stream.Close()
		if !errors.Is(err, ErrCancelled) {
			log.Printf("[transport] request to %s failed: %v", req.Endpoint, err)
		}
		return nil, err
	}

	if req.OnResponse != nil {
		req.OnResponse(resp)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		stream.Close()
		log.Printf("[transport] %s returned status %d", req.Endpoint, resp.StatusCode)
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	stream.body = resp.Body
	return stream, nil
}

func buildPayload(req Request) ([]byte, error) {
	payload := map[string]any{
		"message": req.Message,
	}
	if req.ChatID != "" {
		payload["chatId"] = req.ChatID
	}
	if len(req.Context) > 0 {
		history := make([]contextMessage, 0, len(req.Context))
		for _, msg := range req.Context {
			history = append(history, contextMessage{Role: msg.Role, Content: msg.Content})
		}
		payload["context"] = history
	}
	for key, value := range req.Body {
		payload[key] = value
	}
	return json.Marshal(payload)
}

type historyMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// FetchHistory loads the stored transcript of chatID from {baseURL}/chats/{chatID}/messages.
func (c *Client) FetchHistory(ctx context.Context, baseURL string, chatID chat.ChatID) ([]chat.Message, error) {
	target := strings.TrimRight(baseURL, "/") + "/chats/" + url.PathEscape(chatID.String()) + "/messages"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var raw []historyMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode history: %w", err)}
	}

	messages := make([]chat.Message, 0, len(raw))
	for _, item := range raw {
		if item.ID == "" {
			continue
		}
		role := chat.RoleAssistant
		if item.Role == string(chat.RoleUser) {
			role = chat.RoleUser
		}
		messages = append(messages, chat.Message{
			ID:        chat.MessageID(item.ID),
			Role:      role,
			Content:   item.Content,
			CreatedAt: item.CreatedAt,
		})
	}
	return messages, nil
}
