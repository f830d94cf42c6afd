package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-study/internal/config"
	"github.com/zhouzirui/z-study/internal/model/chat"
)

type recordingModel struct {
	input []*schema.Message
	reply []string
}

func (m *recordingModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.input = input
	return schema.AssistantMessage(strings.Join(m.reply, ""), nil), nil
}

func (m *recordingModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.input = input
	pieces := make([]*schema.Message, 0, len(m.reply))
	for _, part := range m.reply {
		pieces = append(pieces, schema.AssistantMessage(part, nil))
	}
	return schema.StreamReaderFromArray(pieces), nil
}

func drain(t *testing.T, stream *schema.StreamReader[*schema.Message]) string {
	t.Helper()
	defer stream.Close()

	var builder strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return builder.String()
		}
		if err != nil {
			t.Fatalf("Recv err: %v", err)
		}
		builder.WriteString(chunk.Content)
	}
}

func TestServiceStreamBuildsPrompt(t *testing.T) {
	fake := &recordingModel{reply: []string{"A monad ", "wraps values."}}
	svc, err := newServiceWithModel(context.Background(), fake, config.AIConfig{StreamResponse: true})
	if err != nil {
		t.Fatalf("newServiceWithModel err: %v", err)
	}

	stream, err := svc.Stream(context.Background(), Request{
		ChatID: "chat_1",
		Mode:   ModeExplain,
		History: []chat.Message{
			chat.NewMessage(chat.RoleUser, "What is a functor?"),
			chat.NewMessage(chat.RoleAssistant, "A mappable container."),
		},
		Query: "What is a monad?",
	})
	if err != nil {
		t.Fatalf("Stream err: %v", err)
	}
	if got := drain(t, stream); got != "A monad wraps values." {
		t.Fatalf("unexpected reply %q", got)
	}

	if len(fake.input) != 4 {
		t.Fatalf("expected system + 2 history + query, got %d messages", len(fake.input))
	}
	if fake.input[0].Role != schema.System || !strings.Contains(fake.input[0].Content, "学习助手") {
		t.Fatalf("unexpected system prompt %+v", fake.input[0])
	}
	if fake.input[3].Role != schema.User || fake.input[3].Content != "What is a monad?" {
		t.Fatalf("unexpected query message %+v", fake.input[3])
	}
}

func TestServiceStreamDisabled(t *testing.T) {
	svc, err := newServiceWithModel(context.Background(), &recordingModel{}, config.AIConfig{StreamResponse: false})
	if err != nil {
		t.Fatalf("newServiceWithModel err: %v", err)
	}
	if _, err := svc.Stream(context.Background(), Request{Query: "hi"}); err == nil {
		t.Fatal("expected error when streaming is disabled")
	}

	msg, err := svc.Generate(context.Background(), Request{Query: "hi"})
	if err != nil {
		t.Fatalf("Generate err: %v", err)
	}
	if msg.Content != "" {
		t.Fatalf("unexpected content %q", msg.Content)
	}
}

func TestEchoGeneratorStreamsPieces(t *testing.T) {
	stream, err := EchoGenerator{PieceSize: 3}.Stream(context.Background(), Request{Query: "什么是闭包"})
	if err != nil {
		t.Fatalf("Stream err: %v", err)
	}
	if got := drain(t, stream); got != "You asked: 什么是闭包" {
		t.Fatalf("unexpected echo %q", got)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":          ModeExplain,
		" Quiz ":    ModeQuiz,
		"summarize": ModeSummarize,
		"poetry":    ModeExplain,
	}
	for raw, want := range cases {
		if got := ParseMode(raw); got != want {
			t.Fatalf("ParseMode(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestBuildSystemPromptFallsBack(t *testing.T) {
	pm := NewPromptManager()
	if got := pm.BuildSystemPrompt("unknown"); got != pm.BuildSystemPrompt(ModeExplain) {
		t.Fatal("unknown mode should use the explain template")
	}
	if !strings.Contains(pm.BuildSystemPrompt(ModeQuiz), "出题") {
		t.Fatal("quiz template not applied")
	}
}
