package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/zhouzirui/z-study/internal/model/chat"
	chatservice "github.com/zhouzirui/z-study/internal/service/chat"
	"github.com/zhouzirui/z-study/internal/service/turn"
)

var ErrSessionNotFound = errors.New("session not found")

// HistoryFetcher loads a conversation from the server that owns it.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, baseURL string, chatID chat.ChatID) ([]chat.Message, error)
}

// ManagerConfig wires the collaborators shared by every session.
type ManagerConfig struct {
	Store     *chatservice.MemoryStore
	Transport turn.Transport
	Turn      turn.Config
	// Archive persists transcripts when a turn ends. Optional.
	Archive chatservice.Archive
	// History restores a conversation from HistoryURL when the archive has nothing. Optional.
	History    HistoryFetcher
	HistoryURL string
}

// Manager owns the live sessions of a process.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	sessions map[chat.ChatID]*Session
}

// NewManager creates a manager. A nil store gets a fresh in-memory one.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Store == nil {
		cfg.Store = chatservice.NewMemoryStore()
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[chat.ChatID]*Session),
	}
}

// Open returns the live session for chatID, creating and restoring it on first use.
func (m *Manager) Open(ctx context.Context, chatID chat.ChatID) (*Session, error) {
	if chatID == "" {
		return nil, chat.ErrEmptyChatID
	}

	m.mu.RLock()
	existing, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if ok {
		return existing, nil
	}

	history, err := m.restore(ctx, chatID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[chatID]; ok {
		return existing, nil
	}

	if len(history) > 0 {
		m.cfg.Store.Reset(chatID, history)
	}
	sess := New(chatID, m.cfg.Store, m.cfg.Transport, m.turnConfig())
	m.sessions[chatID] = sess
	log.Printf("[session] opened chat=%s restored=%d", chatID, len(history))
	return sess, nil
}

// Get returns a live session.
func (m *Manager) Get(chatID chat.ChatID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[chatID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// View returns the live session's view. A chat with no live session is read from the
// archive without opening one.
func (m *Manager) View(ctx context.Context, chatID chat.ChatID) (View, error) {
	if sess, err := m.Get(chatID); err == nil {
		return sess.Snapshot(), nil
	}

	view := View{Status: turn.StatusReady, Messages: []chat.Message{}}
	if m.cfg.Archive == nil {
		return view, nil
	}
	messages, err := m.cfg.Archive.Load(ctx, chatID)
	if err != nil {
		return View{}, fmt.Errorf("load transcript: %w", err)
	}
	if len(messages) > 0 {
		view.Messages = messages
	}
	return view, nil
}

// Close stops the session's turn, archives its transcript and releases it.
func (m *Manager) Close(chatID chat.ChatID) error {
	m.mu.Lock()
	sess, ok := m.sessions[chatID]
	delete(m.sessions, chatID)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.Stop()
	m.archive(chatID)
	m.cfg.Store.Drop(chatID)
	log.Printf("[session] closed chat=%s", chatID)
	return nil
}

// CloseAll closes every live session.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]chat.ChatID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Close(id)
	}
}

func (m *Manager) restore(ctx context.Context, chatID chat.ChatID) ([]chat.Message, error) {
	if m.cfg.Archive != nil {
		messages, err := m.cfg.Archive.Load(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("load transcript: %w", err)
		}
		if len(messages) > 0 {
			return messages, nil
		}
	}

	if m.cfg.History != nil && m.cfg.HistoryURL != "" {
		messages, err := m.cfg.History.FetchHistory(ctx, m.cfg.HistoryURL, chatID)
		if err != nil {
			// a chat without remote history still opens empty
			log.Printf("[session] history fetch failed chat=%s: %v", chatID, err)
			return nil, nil
		}
		return messages, nil
	}
	return nil, nil
}

// turnConfig chains archive writes in front of the caller's hooks.
func (m *Manager) turnConfig() turn.Config {
	cfg := m.cfg.Turn
	if m.cfg.Archive == nil {
		return cfg
	}

	hooks := cfg.Hooks
	cfg.Hooks.OnFinish = func(chatID chat.ChatID, result turn.Result) {
		m.archive(chatID)
		if hooks.OnFinish != nil {
			hooks.OnFinish(chatID, result)
		}
	}
	cfg.Hooks.OnError = func(chatID chat.ChatID, result turn.Result) {
		m.archive(chatID)
		if hooks.OnError != nil {
			hooks.OnError(chatID, result)
		}
	}
	cfg.Hooks.OnCancel = func(chatID chat.ChatID, result turn.Result) {
		m.archive(chatID)
		if hooks.OnCancel != nil {
			hooks.OnCancel(chatID, result)
		}
	}
	return cfg
}

func (m *Manager) archive(chatID chat.ChatID) {
	if m.cfg.Archive == nil {
		return
	}
	if err := m.cfg.Archive.Save(context.Background(), chatID, m.cfg.Store.Messages(chatID)); err != nil {
		log.Printf("[session] archive failed chat=%s: %v", chatID, err)
	}
}

// ResponseHeaderHook logs selected response headers. It suits turn.Hooks.OnResponse.
func ResponseHeaderHook(keys ...string) func(chat.ChatID, *http.Response) {
	return func(chatID chat.ChatID, resp *http.Response) {
		for _, key := range keys {
			if value := resp.Header.Get(key); value != "" {
				log.Printf("[session] chat=%s response %s=%s", chatID, key, value)
			}
		}
	}
}
