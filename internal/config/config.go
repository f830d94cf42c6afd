package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/z-study/internal/decoder"
	"github.com/zhouzirui/z-study/internal/service/turn"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Chat   ChatConfig
	AI     AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Chat: chat, AI: ai}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// ChatConfig 描述聊天会话访问流式接口的方式。
type ChatConfig struct {
	Endpoint               string
	Framing                decoder.Framing
	KeepLastMessageOnError bool
	ErrorNotice            string
	IdleTimeout            time.Duration
	ContextLimit           int
	// HistoryURL 为空时不拉取远端历史。
	HistoryURL string
	// HistoryDBPath 为空时不落盘保存对话。
	HistoryDBPath string
}

// TurnConfig 转换为会话控制器使用的配置。
func (c ChatConfig) TurnConfig() turn.Config {
	cfg := turn.DefaultConfig(c.Endpoint)
	cfg.Framing = c.Framing
	cfg.DropLastMessageOnError = !c.KeepLastMessageOnError
	cfg.ContextLimit = c.ContextLimit
	if c.ErrorNotice != "" {
		cfg.ErrorNotice = c.ErrorNotice
	}
	return cfg
}

func loadChatConfig() (ChatConfig, error) {
	framing, err := decoder.ParseFraming(os.Getenv("CHAT_FRAMING"))
	if err != nil {
		return ChatConfig{}, fmt.Errorf("invalid CHAT_FRAMING: %w", err)
	}

	keep, err := parseBoolEnv("CHAT_KEEP_LAST_MESSAGE_ON_ERROR", true)
	if err != nil {
		return ChatConfig{}, err
	}

	idleTimeout := 60 * time.Second
	if seconds, err := parseOptionalIntEnv("CHAT_IDLE_TIMEOUT_SECONDS"); err != nil {
		return ChatConfig{}, err
	} else if seconds != nil && *seconds > 0 {
		idleTimeout = time.Duration(*seconds) * time.Second
	}

	contextLimit := 20
	if limit, err := parseOptionalIntEnv("CHAT_CONTEXT_LIMIT"); err != nil {
		return ChatConfig{}, err
	} else if limit != nil {
		if *limit < 0 {
			contextLimit = 0
		} else {
			contextLimit = *limit
		}
	}

	return ChatConfig{
		Endpoint:               getEnvOrDefault("CHAT_ENDPOINT", "http://localhost:8080/chat"),
		Framing:                framing,
		KeepLastMessageOnError: keep,
		ErrorNotice:            strings.TrimSpace(os.Getenv("CHAT_ERROR_NOTICE")),
		IdleTimeout:            idleTimeout,
		ContextLimit:           contextLimit,
		HistoryURL:             strings.TrimSpace(os.Getenv("CHAT_HISTORY_URL")),
		HistoryDBPath:          strings.TrimSpace(os.Getenv("HISTORY_DB_PATH")),
	}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
	// OutputFraming 决定 /chat 生成接口的输出格式。
	OutputFraming decoder.Framing
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	framing, err := decoder.ParseFraming(os.Getenv("BACKEND_FRAMING"))
	if err != nil {
		return AIConfig{}, fmt.Errorf("invalid BACKEND_FRAMING: %w", err)
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
		OutputFraming:  framing,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
