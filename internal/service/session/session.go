// Package session exposes one conversation to a UI: its messages, its status and the
// commands that drive it.
package session

import (
	"context"
	"sync"

	"github.com/zhouzirui/z-study/internal/model/chat"
	chatservice "github.com/zhouzirui/z-study/internal/service/chat"
	"github.com/zhouzirui/z-study/internal/service/turn"
)

// Store is what a session needs from message storage.
type Store interface {
	chatservice.Store
	chatservice.Observable
}

// Session is the facade over one conversation's store slice and turn controller.
type Session struct {
	id         chat.ChatID
	store      Store
	controller *turn.Controller

	mu       sync.Mutex
	watchers map[chan struct{}]struct{}
}

// New creates a session for chatID.
func New(chatID chat.ChatID, store Store, tr turn.Transport, cfg turn.Config) *Session {
	s := &Session{
		id:       chatID,
		store:    store,
		watchers: make(map[chan struct{}]struct{}),
	}

	next := cfg.Hooks.OnStatus
	cfg.Hooks.OnStatus = func(chatID chat.ChatID, status turn.Status) {
		s.poke()
		if next != nil {
			next(chatID, status)
		}
	}
	s.controller = turn.NewController(chatID, store, tr, cfg)
	return s
}

func (s *Session) ID() chat.ChatID {
	return s.id
}

// Messages returns a snapshot of the conversation.
func (s *Session) Messages() []chat.Message {
	return s.store.Messages(s.id)
}

func (s *Session) Status() turn.Status {
	return s.controller.Status()
}

// Busy reports whether a turn is submitted or streaming.
func (s *Session) Busy() bool {
	return s.controller.Status().Busy()
}

func (s *Session) Err() error {
	return s.controller.Err()
}

func (s *Session) Send(ctx context.Context, text string, opts ...turn.RequestOption) (*turn.Turn, error) {
	return s.controller.Send(ctx, text, opts...)
}

func (s *Session) Stop() {
	s.controller.Stop()
}

func (s *Session) RetryLast(ctx context.Context, opts ...turn.RequestOption) (*turn.Turn, error) {
	return s.controller.RetryLast(ctx, opts...)
}

// Subscribe streams conversation snapshots, starting with the current one. Slow readers
// only see the latest snapshot.
func (s *Session) Subscribe() (<-chan []chat.Message, func()) {
	return s.store.Subscribe(s.id)
}

// View is a point-in-time copy of the session state.
type View struct {
	Status   turn.Status    `json:"status"`
	Busy     bool           `json:"busy"`
	Error    string         `json:"error,omitempty"`
	Messages []chat.Message `json:"messages"`
}

// Snapshot captures the session state for rendering.
func (s *Session) Snapshot() View {
	status := s.Status()
	view := View{
		Status:   status,
		Busy:     status.Busy(),
		Messages: s.Messages(),
	}
	if err := s.Err(); err != nil && status == turn.StatusError {
		view.Error = err.Error()
	}
	return view
}

// Watch streams views of the session whenever its messages or status change, starting
// with the current one. Slow readers only see the latest view. The channel closes when
// cancel is called or the conversation is dropped from the store.
func (s *Session) Watch() (<-chan View, func()) {
	updates, unsubscribe := s.store.Subscribe(s.id)
	poke := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[poke] = struct{}{}
	s.mu.Unlock()

	out := make(chan View, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case _, ok := <-updates:
				if !ok {
					return
				}
			case <-poke:
			case <-done:
				return
			}

			view := s.Snapshot()
			// this goroutine is the only sender, so after draining the send cannot block
			select {
			case <-out:
			default:
			}
			out <- view
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, poke)
			s.mu.Unlock()
			close(done)
			unsubscribe()
		})
	}
	return out, cancel
}

// poke wakes every watcher without blocking; it runs under the controller lock.
func (s *Session) poke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
