package ai

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

// EchoGenerator answers without a model by restating the question. It keeps the
// generation endpoint usable in development when Ark is not configured.
type EchoGenerator struct {
	// PieceSize is the number of runes per streamed chunk.
	PieceSize int
}

func (g EchoGenerator) StreamingEnabled() bool {
	return true
}

func (g EchoGenerator) Generate(_ context.Context, req Request) (*schema.Message, error) {
	return schema.AssistantMessage(echoReply(req), nil), nil
}

func (g EchoGenerator) Stream(_ context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	size := g.PieceSize
	if size <= 0 {
		size = 4
	}

	reply := echoReply(req)
	pieces := make([]*schema.Message, 0, utf8.RuneCountInString(reply)/size+1)
	runes := []rune(reply)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		pieces = append(pieces, schema.AssistantMessage(string(runes[start:end]), nil))
	}
	return schema.StreamReaderFromArray(pieces), nil
}

func echoReply(req Request) string {
	query := strings.TrimSpace(req.Query)
	switch req.Mode {
	case ModeQuiz:
		return "Quiz time: explain \"" + query + "\" in your own words."
	case ModeSummarize:
		return "Summary: " + query
	default:
		return "You asked: " + query
	}
}
