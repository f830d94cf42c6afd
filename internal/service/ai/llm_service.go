package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-study/internal/config"
	"github.com/zhouzirui/z-study/internal/model/chat"
)

// Generator produces assistant replies for the generation endpoint.
type Generator interface {
	Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error)
	Generate(ctx context.Context, req Request) (*schema.Message, error)
	StreamingEnabled() bool
}

// Request is one generation call.
type Request struct {
	ChatID  chat.ChatID
	Mode    Mode
	History []chat.Message
	Query   string
}

// Service encapsulates AI-powered chat functionality
type Service struct {
	cfg     config.AIConfig
	prompts *PromptManager
	chain   compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates a new AI service instance
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return newServiceWithModel(ctx, chatModel, cfg)
}

func newServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		cfg:     cfg,
		prompts: NewPromptManager(),
		chain:   runnable,
	}, nil
}

// StreamingEnabled 指示是否开启流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// Generate runs the chain to completion.
func (s *Service) Generate(ctx context.Context, req Request) (*schema.Message, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	log.Printf("[ai] generated response for chat=%s, mode=%s, length=%d", req.ChatID, req.Mode, len(response.Content))
	return response, nil
}

// Stream streams AI response chunks via the configured chain.
func (s *Service) Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, fmt.Errorf("streaming disabled in configuration")
	}

	stream, err := s.chain.Stream(ctx, s.buildChainInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(req Request) map[string]any {
	return map[string]any{
		"system":  s.prompts.BuildSystemPrompt(req.Mode),
		"history": buildHistoryMessages(req.History),
		"query":   req.Query,
	}
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	const historyLimit = 10

	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}
