package turn

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-study/internal/decoder"
	"github.com/zhouzirui/z-study/internal/model/chat"
	chatservice "github.com/zhouzirui/z-study/internal/service/chat"
	"github.com/zhouzirui/z-study/internal/transport"
)

// Controller runs the turns of one conversation. It is the only writer of that
// conversation's messages while a turn is active.
type Controller struct {
	chatID    chat.ChatID
	store     chatservice.Store
	transport Transport
	cfg       Config

	mu         sync.Mutex
	status     Status
	err        error
	generation uint64
	active     *Turn
}

// NewController binds a controller to a conversation.
func NewController(chatID chat.ChatID, store chatservice.Store, tr Transport, cfg Config) *Controller {
	if cfg.ErrorNotice == "" {
		cfg.ErrorNotice = DefaultErrorNotice
	}
	if cfg.Framing == "" {
		cfg.Framing = decoder.FramingText
	}
	return &Controller{
		chatID:    chatID,
		store:     store,
		transport: tr,
		cfg:       cfg,
		status:    StatusReady,
	}
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the error of the last failed turn, nil otherwise.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send records text as a user message and starts streaming the reply. It fails with
// ErrBusy, without touching the store, while another turn is in flight.
//
// ctx only scopes the call itself; the turn runs until it ends or Stop is called.
func (c *Controller) Send(ctx context.Context, text string, opts ...RequestOption) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Busy() {
		return nil, ErrBusy
	}

	history := c.store.Messages(c.chatID)
	user := chat.NewMessage(chat.RoleUser, text)
	c.store.Append(c.chatID, user)
	return c.startLocked(ctx, user, history, opts), nil
}

// RetryLast re-issues the last user message. A trailing assistant reply is removed first.
// It returns (nil, nil) when the conversation has no user message.
func (c *Controller) RetryLast(ctx context.Context, opts ...RequestOption) (*Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Busy() {
		return nil, ErrBusy
	}

	messages := c.store.Messages(c.chatID)
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return nil, nil
	}

	for _, msg := range messages[lastUser+1:] {
		if msg.Role == chat.RoleAssistant {
			c.store.Remove(c.chatID, msg.ID)
		}
	}

	log.Printf("[turn] chat=%s retrying message=%s", c.chatID, messages[lastUser].ID)
	return c.startLocked(ctx, messages[lastUser], messages[:lastUser], opts), nil
}

// Stop cancels the active turn, keeping whatever content already arrived. Calling it with
// no turn in flight does nothing.
func (c *Controller) Stop() {
	c.mu.Lock()
	active := c.active
	if active == nil {
		c.mu.Unlock()
		return
	}

	active.cancel()
	c.generation++
	c.active = nil
	c.setStatusLocked(StatusReady)
	c.err = nil
	message, _ := c.findLocked(active.AssistantMessageID)
	result := Result{TurnID: active.ID, Outcome: OutcomeCancelled, Message: message, Elapsed: time.Since(active.startedAt)}
	active.result = result
	c.mu.Unlock()

	log.Printf("[turn] chat=%s turn=%s stopped length=%d", c.chatID, active.ID, len(message.Content))
	if c.cfg.Hooks.OnCancel != nil {
		c.cfg.Hooks.OnCancel(c.chatID, result)
	}
}

func (c *Controller) startLocked(ctx context.Context, user chat.Message, history []chat.Message, opts []RequestOption) *Turn {
	assistant := chat.NewMessage(chat.RoleAssistant, "")
	c.store.Append(c.chatID, assistant)

	c.generation++
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Turn{
		ID:                 uuid.NewString(),
		UserMessageID:      user.ID,
		AssistantMessageID: assistant.ID,
		generation:         c.generation,
		startedAt:          time.Now(),
		cancel:             cancel,
		done:               make(chan struct{}),
	}
	c.active = t
	c.setStatusLocked(StatusSubmitted)
	c.err = nil

	req := c.buildRequest(user.Content, history)
	for _, opt := range opts {
		opt(&req)
	}

	go c.run(turnCtx, t, req)
	return t
}

func (c *Controller) buildRequest(text string, history []chat.Message) transport.Request {
	req := transport.Request{
		Endpoint: c.cfg.Endpoint,
		ChatID:   c.chatID,
		Message:  text,
		Context:  contextWindow(history, c.cfg.ContextLimit),
	}
	if len(c.cfg.Headers) > 0 {
		WithHeaders(c.cfg.Headers)(&req)
	}
	if len(c.cfg.Body) > 0 {
		WithBody(c.cfg.Body)(&req)
	}
	if c.cfg.Hooks.OnResponse != nil {
		hook := c.cfg.Hooks.OnResponse
		req.OnResponse = func(resp *http.Response) { hook(c.chatID, resp) }
	}
	return req
}

func (c *Controller) run(ctx context.Context, t *Turn, req transport.Request) {
	defer func() {
		// taking the lock orders the result write before Done fires
		c.mu.Lock()
		c.mu.Unlock()
		close(t.done)
	}()
	defer t.cancel()

	if c.cfg.Hooks.OnStart != nil {
		c.cfg.Hooks.OnStart(c.chatID, t.ID)
	}

	stream, err := c.transport.Open(ctx, req)
	if err != nil {
		c.fail(t, err)
		return
	}
	defer stream.Close()

	dec := decoder.New(c.cfg.Framing)
	streaming := false
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			update, decErr := dec.Finish()
			if !c.apply(t, update) {
				return
			}
			if decErr != nil {
				c.fail(t, decErr)
				return
			}
			c.succeed(t)
			return
		}
		if err != nil {
			c.fail(t, err)
			return
		}

		if !streaming {
			if !c.markStreaming(t) {
				return
			}
			streaming = true
		}
		if c.cfg.Hooks.OnChunk != nil {
			c.cfg.Hooks.OnChunk(c.chatID, len(chunk))
		}

		update, decErr := dec.Feed(chunk)
		if !c.apply(t, update) {
			return
		}
		if decErr != nil {
			c.fail(t, decErr)
			return
		}
		if update.Done {
			c.succeed(t)
			return
		}
	}
}

func (c *Controller) setStatusLocked(status Status) {
	if c.status == status {
		return
	}
	c.status = status
	if c.cfg.Hooks.OnStatus != nil {
		c.cfg.Hooks.OnStatus(c.chatID, status)
	}
}

// currentLocked reports whether t is still the turn allowed to write.
func (c *Controller) currentLocked(t *Turn) bool {
	return c.active == t && t.generation == c.generation
}

func (c *Controller) markStreaming(t *Turn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(t) {
		return false
	}
	c.setStatusLocked(StatusStreaming)
	return true
}

func (c *Controller) apply(t *Turn, update decoder.Update) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(t) {
		return false
	}
	if update.Changed {
		c.store.ReplaceContent(c.chatID, t.AssistantMessageID, update.Text)
	}
	return true
}

func (c *Controller) succeed(t *Turn) {
	c.mu.Lock()
	if !c.currentLocked(t) {
		c.mu.Unlock()
		return
	}
	message, _ := c.findLocked(t.AssistantMessageID)
	c.active = nil
	c.setStatusLocked(StatusReady)
	t.result = Result{TurnID: t.ID, Outcome: OutcomeSuccess, Message: message, Elapsed: time.Since(t.startedAt)}
	c.mu.Unlock()

	log.Printf("[turn] chat=%s turn=%s completed length=%d", c.chatID, t.ID, len(message.Content))
	if c.cfg.Hooks.OnFinish != nil {
		c.cfg.Hooks.OnFinish(c.chatID, t.result)
	}
}

func (c *Controller) fail(t *Turn, err error) {
	c.mu.Lock()
	if !c.currentLocked(t) {
		c.mu.Unlock()
		return
	}

	if errors.Is(err, transport.ErrCancelled) {
		message, _ := c.findLocked(t.AssistantMessageID)
		c.active = nil
		c.setStatusLocked(StatusReady)
		t.result = Result{TurnID: t.ID, Outcome: OutcomeCancelled, Message: message, Elapsed: time.Since(t.startedAt)}
		c.mu.Unlock()
		return
	}

	var message chat.Message
	if c.cfg.DropLastMessageOnError {
		c.store.Remove(c.chatID, t.AssistantMessageID)
	} else {
		c.store.ReplaceContent(c.chatID, t.AssistantMessageID, c.cfg.ErrorNotice)
		message, _ = c.findLocked(t.AssistantMessageID)
	}
	c.active = nil
	c.setStatusLocked(StatusError)
	c.err = err
	t.result = Result{TurnID: t.ID, Outcome: OutcomeFailed, Message: message, Err: err, Elapsed: time.Since(t.startedAt)}
	c.mu.Unlock()

	log.Printf("[turn] chat=%s turn=%s failed: %v", c.chatID, t.ID, err)
	if c.cfg.Hooks.OnError != nil {
		c.cfg.Hooks.OnError(c.chatID, t.result)
	}
}

func (c *Controller) findLocked(id chat.MessageID) (chat.Message, bool) {
	for _, msg := range c.store.Messages(c.chatID) {
		if msg.ID == id {
			return msg, true
		}
	}
	return chat.Message{}, false
}

// contextWindow keeps the last limit messages that carry content.
func contextWindow(history []chat.Message, limit int) []chat.Message {
	if limit <= 0 || len(history) == 0 {
		return nil
	}
	window := make([]chat.Message, 0, limit)
	for i := len(history) - 1; i >= 0 && len(window) < limit; i-- {
		if strings.TrimSpace(history[i].Content) == "" {
			continue
		}
		window = append(window, history[i])
	}
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window
}
