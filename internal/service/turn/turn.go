// Package turn drives one conversational turn at a time: it records the user message,
// opens the streamed response and grows the assistant placeholder until the turn ends.
package turn

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/zhouzirui/z-study/internal/decoder"
	"github.com/zhouzirui/z-study/internal/model/chat"
	"github.com/zhouzirui/z-study/internal/transport"
)

// DefaultErrorNotice replaces the assistant content of a failed turn.
const DefaultErrorNotice = "Sorry, an error occurred while generating the response."

var (
	ErrBusy         = errors.New("a turn is already in flight")
	ErrEmptyMessage = errors.New("message content is required")
)

// Status is the controller state visible to the UI.
type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// Busy reports whether a turn is in flight.
func (s Status) Busy() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Result is the terminal report of a turn. Message is the assistant message as it stood
// when the turn ended; it is zero when a failed placeholder was removed.
type Result struct {
	TurnID  string
	Outcome Outcome
	Message chat.Message
	Err     error
	// Elapsed runs from the start of the turn to its end.
	Elapsed time.Duration
}

// Chunks is the body of one streamed response.
type Chunks interface {
	Next() ([]byte, error)
	Close() error
}

// Transport opens streamed responses.
type Transport interface {
	Open(ctx context.Context, req transport.Request) (Chunks, error)
}

type httpTransport struct {
	client *transport.Client
}

// HTTPTransport adapts a transport.Client to the Transport interface.
func HTTPTransport(client *transport.Client) Transport {
	return httpTransport{client: client}
}

func (t httpTransport) Open(ctx context.Context, req transport.Request) (Chunks, error) {
	stream, err := t.client.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Hooks are optional callbacks fired outside the controller lock, except OnStatus.
type Hooks struct {
	// OnStatus runs under the controller lock on every status change. It must not block
	// or call back into the controller.
	OnStatus   func(chatID chat.ChatID, status Status)
	OnStart    func(chatID chat.ChatID, turnID string)
	OnResponse func(chatID chat.ChatID, resp *http.Response)
	OnChunk    func(chatID chat.ChatID, size int)
	OnFinish   func(chatID chat.ChatID, result Result)
	OnError    func(chatID chat.ChatID, result Result)
	OnCancel   func(chatID chat.ChatID, result Result)
}

// Config controls request shape and failure policy.
type Config struct {
	Endpoint string
	Framing  decoder.Framing
	// DropLastMessageOnError removes the placeholder of a failed turn. By default the message
	// stays and shows ErrorNotice in place of its content.
	DropLastMessageOnError bool
	ErrorNotice            string
	// ContextLimit caps how many earlier messages travel with a request. Zero sends none.
	ContextLimit int
	Headers      map[string]string
	Body         map[string]any
	Hooks        Hooks
}

// DefaultConfig returns the settings the chat screens use.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:     endpoint,
		Framing:      decoder.FramingText,
		ErrorNotice:  DefaultErrorNotice,
		ContextLimit: 20,
	}
}

// RequestOption adjusts a single request.
type RequestOption func(*transport.Request)

// WithHeaders adds headers to one request, overriding configured ones.
func WithHeaders(headers map[string]string) RequestOption {
	return func(req *transport.Request) {
		if req.Headers == nil {
			req.Headers = make(map[string]string, len(headers))
		}
		for key, value := range headers {
			req.Headers[key] = value
		}
	}
}

// WithBody merges extra fields into one request payload.
func WithBody(body map[string]any) RequestOption {
	return func(req *transport.Request) {
		if req.Body == nil {
			req.Body = make(map[string]any, len(body))
		}
		for key, value := range body {
			req.Body[key] = value
		}
	}
}

// Turn is the handle of one in-flight request/response cycle.
type Turn struct {
	ID                 string
	UserMessageID      chat.MessageID
	AssistantMessageID chat.MessageID

	generation uint64
	startedAt  time.Time
	cancel     context.CancelFunc
	done       chan struct{}
	result     Result
}

// Done is closed once the turn's goroutine has exited.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn ends or ctx is done.
func (t *Turn) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
