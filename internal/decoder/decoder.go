// Package decoder turns the raw byte chunks of a streamed chat response into the
// accumulated assistant text.
package decoder

import (
	"errors"
	"fmt"
	"strings"
)

// Framing selects how the response body is interpreted.
type Framing string

const (
	// FramingText treats the body as plain UTF-8 text.
	FramingText Framing = "text"
	// FramingSSE expects newline-delimited `data: {json}` frames.
	FramingSSE Framing = "sse"
)

var ErrUnknownFraming = errors.New("unknown stream framing")

// ParseFraming maps a configuration value to a Framing.
func ParseFraming(raw string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FramingText:
		return FramingText, nil
	case FramingSSE, "event-stream":
		return FramingSSE, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFraming, raw)
	}
}

// Update is what a decoder reports after consuming input. Text is always the full
// accumulated text, never a delta.
type Update struct {
	Text    string
	Changed bool
	Done    bool
}

// Decoder consumes chunks in arrival order. Implementations are not safe for concurrent use.
type Decoder interface {
	Feed(chunk []byte) (Update, error)
	// Finish flushes buffered input at end of stream.
	Finish() (Update, error)
	Text() string
}

// New returns a fresh decoder for one response body.
func New(framing Framing) Decoder {
	if framing == FramingSSE {
		return NewEventDecoder()
	}
	return NewTextDecoder()
}
