package chat

import (
	"sync"

	"github.com/zhouzirui/z-study/internal/model/chat"
)

// Store holds the ordered message list of every conversation. Each mutation returns the
// resulting snapshot; snapshots are copies and never alias store state.
type Store interface {
	Messages(chatID chat.ChatID) []chat.Message
	Append(chatID chat.ChatID, message chat.Message) []chat.Message
	// ReplaceContent is a no-op when id is absent, so a late write racing a cancellation is harmless.
	ReplaceContent(chatID chat.ChatID, id chat.MessageID, content string) []chat.Message
	Remove(chatID chat.ChatID, id chat.MessageID) []chat.Message
	Reset(chatID chat.ChatID, messages []chat.Message) []chat.Message
}

// Observable stores push every new snapshot to subscribers.
type Observable interface {
	Subscribe(chatID chat.ChatID) (<-chan []chat.Message, func())
}

// MemoryStore is the in-process Store used by sessions and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	messages    map[chat.ChatID][]chat.Message
	subscribers map[chat.ChatID]map[*subscriber]struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[chat.ChatID][]chat.Message),
		subscribers: make(map[chat.ChatID]map[*subscriber]struct{}),
	}
}

// Messages returns the current snapshot of a conversation.
func (s *MemoryStore) Messages(chatID chat.ChatID) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.messages[chatID])
}

// Append adds a message to the end of the conversation.
func (s *MemoryStore) Append(chatID chat.ChatID, message chat.Message) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]chat.Message, 0, len(s.messages[chatID])+1)
	next = append(next, s.messages[chatID]...)
	next = append(next, message)
	return s.commitLocked(chatID, next)
}

// ReplaceContent overwrites the content of the message with the given id.
func (s *MemoryStore) ReplaceContent(chatID chat.ChatID, id chat.MessageID, content string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.messages[chatID]
	idx := indexOf(current, id)
	if idx < 0 {
		return snapshot(current)
	}
	if current[idx].Content == content {
		return snapshot(current)
	}

	next := snapshot(current)
	next[idx].Content = content
	return s.commitLocked(chatID, next)
}

// Remove drops the message with the given id.
func (s *MemoryStore) Remove(chatID chat.ChatID, id chat.MessageID) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.messages[chatID]
	idx := indexOf(current, id)
	if idx < 0 {
		return snapshot(current)
	}

	next := make([]chat.Message, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)
	return s.commitLocked(chatID, next)
}

// Reset replaces the whole conversation, e.g. after loading history.
func (s *MemoryStore) Reset(chatID chat.ChatID, messages []chat.Message) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(chatID, snapshot(messages))
}

// Drop discards a conversation and closes its subscriptions.
func (s *MemoryStore) Drop(chatID chat.ChatID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, chatID)
	for sub := range s.subscribers[chatID] {
		close(sub.ch)
	}
	delete(s.subscribers, chatID)
}

// Subscribe registers an observer of the conversation. The channel always holds the most
// recent snapshot; intermediate snapshots may be skipped for slow readers. The current
// snapshot is delivered immediately.
func (s *MemoryStore) Subscribe(chatID chat.ChatID) (<-chan []chat.Message, func()) {
	sub := &subscriber{ch: make(chan []chat.Message, 1)}

	s.mu.Lock()
	if s.subscribers[chatID] == nil {
		s.subscribers[chatID] = make(map[*subscriber]struct{})
	}
	s.subscribers[chatID][sub] = struct{}{}
	sub.offer(snapshot(s.messages[chatID]))
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs, ok := s.subscribers[chatID]
			if !ok {
				return
			}
			if _, ok := subs[sub]; !ok {
				return
			}
			delete(subs, sub)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (s *MemoryStore) commitLocked(chatID chat.ChatID, next []chat.Message) []chat.Message {
	s.messages[chatID] = next
	for sub := range s.subscribers[chatID] {
		sub.offer(snapshot(next))
	}
	return snapshot(next)
}

type subscriber struct {
	ch chan []chat.Message
}

// offer replaces any undelivered snapshot with the newer one. Callers hold the store lock,
// so there is a single producer per channel.
func (s *subscriber) offer(messages []chat.Message) {
	for {
		select {
		case s.ch <- messages:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func indexOf(messages []chat.Message, id chat.MessageID) int {
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}

func snapshot(messages []chat.Message) []chat.Message {
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied
}
