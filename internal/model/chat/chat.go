package chat

import (
	"errors"
	"strings"
)

// ErrEmptyChatID is returned when a conversation identifier is missing.
var ErrEmptyChatID = errors.New("chat id is required")

// ChatID identifies a conversation.
type ChatID string

func (id ChatID) String() string { return string(id) }

// ParseChatID trims and validates an identifier taken from a URL or flag.
func ParseChatID(raw string) (ChatID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrEmptyChatID
	}
	return ChatID(id), nil
}
