package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyMessageID = errors.New("message id is required")
	ErrUnknownRole    = errors.New("unknown message role")
)

// MessageID identifies a message within a conversation.
type MessageID string

// NewMessageID generates a fresh message identifier.
func NewMessageID() MessageID {
	return MessageID("msg_" + uuid.NewString())
}

func (id MessageID) String() string { return string(id) }

// Role tags who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates a role coming from an untyped boundary (JSON, query string).
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleSystem:
		return RoleSystem, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

// Message is one entry of a conversation transcript.
type Message struct {
	ID        MessageID `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage builds a message with a generated id and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate reports whether the message can enter a store.
func (m Message) Validate() error {
	if m.ID == "" {
		return ErrEmptyMessageID
	}
	if _, err := ParseRole(string(m.Role)); err != nil {
		return err
	}
	return nil
}
