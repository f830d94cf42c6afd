package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/zhouzirui/z-study/internal/config"
	chatservice "github.com/zhouzirui/z-study/internal/service/chat"
	"github.com/zhouzirui/z-study/internal/service/session"
	"github.com/zhouzirui/z-study/internal/service/turn"
	"github.com/zhouzirui/z-study/internal/transport"
)

type replyTransport struct {
	chunks []string
	seen   []transport.Request
}

func (t *replyTransport) Open(_ context.Context, req transport.Request) (turn.Chunks, error) {
	t.seen = append(t.seen, req)
	return &sliceChunks{chunks: append([]string(nil), t.chunks...)}, nil
}

type sliceChunks struct {
	chunks []string
}

func (c *sliceChunks) Next() ([]byte, error) {
	if len(c.chunks) == 0 {
		return nil, io.EOF
	}
	next := c.chunks[0]
	c.chunks = c.chunks[1:]
	return []byte(next), nil
}

func (c *sliceChunks) Close() error { return nil }

func TestReplPrintsStreamedReplies(t *testing.T) {
	tr := &replyTransport{chunks: []string{"Hi", " there"}}
	sess := session.New("chat_1", chatservice.NewMemoryStore(), tr, turn.DefaultConfig("http://backend.test/chat"))

	var out, errOut bytes.Buffer
	r := &repl{
		sess:       sess,
		in:         strings.NewReader("Hello\n\n/retry\n/quit\n"),
		out:        &out,
		errOut:     &errOut,
		interrupts: make(chan os.Signal),
		body:       requestBody("quiz"),
	}
	if err := r.loop(context.Background()); err != nil {
		t.Fatalf("loop err: %v", err)
	}

	if got := strings.Count(out.String(), "Hi there\n"); got != 2 {
		t.Fatalf("expected two full replies, got output %q", out.String())
	}
	if errOut.Len() != 0 {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
	if len(tr.seen) != 2 || tr.seen[1].Message != "Hello" || tr.seen[0].Body["mode"] != "quiz" {
		t.Fatalf("unexpected requests %+v", tr.seen)
	}
	if messages := sess.Messages(); len(messages) != 2 {
		t.Fatalf("retry should replace the reply, got %d messages", len(messages))
	}
}

func TestReplRetryWithNothingToRetry(t *testing.T) {
	sess := session.New("chat_1", chatservice.NewMemoryStore(), &replyTransport{}, turn.DefaultConfig("http://backend.test/chat"))

	var out, errOut bytes.Buffer
	r := &repl{sess: sess, in: strings.NewReader("/retry\n"), out: &out, errOut: &errOut, interrupts: make(chan os.Signal)}
	if err := r.loop(context.Background()); err != nil {
		t.Fatalf("loop err: %v", err)
	}
	if !strings.Contains(errOut.String(), "nothing to retry") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestApplyFlagsOverridesEnvironment(t *testing.T) {
	base := config.ChatConfig{Endpoint: "http://env.test/chat", KeepLastMessageOnError: true}
	got := applyFlags(base, options{endpoint: "http://flag.test/chat", framing: "sse", dropOnError: true})

	if got.Endpoint != "http://flag.test/chat" || got.Framing != "sse" || got.KeepLastMessageOnError {
		t.Fatalf("unexpected config %+v", got)
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"endpoint", "framing", "chat", "mode", "drop-on-error", "idle-timeout", "history-db", "history-url", "verbose"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("missing flag %s", name)
		}
	}
}
