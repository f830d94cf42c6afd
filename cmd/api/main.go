package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/z-study/internal/config"
	"github.com/zhouzirui/z-study/internal/handler"
	"github.com/zhouzirui/z-study/internal/handler/stream"
	"github.com/zhouzirui/z-study/internal/metrics"
	"github.com/zhouzirui/z-study/internal/service/ai"
	"github.com/zhouzirui/z-study/internal/service/chat"
	"github.com/zhouzirui/z-study/internal/service/session"
	"github.com/zhouzirui/z-study/internal/service/turn"
	"github.com/zhouzirui/z-study/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	turnMetrics := metrics.NewTurnMetrics(registry)

	// Initialize generator for the development /chat endpoint
	var generator ai.Generator = ai.EchoGenerator{}
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("falling back to echo generator - 请检查 Ark 模型相关环境变量")
		} else {
			generator = aiService
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，/chat 使用回显生成器")
	}
	streamHandler := stream.New(generator, cfg.AI.OutputFraming, chat.NewMemoryStore())

	// Transcript archive
	var archive chat.Archive
	if cfg.Chat.HistoryDBPath != "" {
		boltArchive, err := chat.OpenBoltArchive(cfg.Chat.HistoryDBPath)
		if err != nil {
			log.Fatalf("failed to open history database: %v", err)
		}
		defer boltArchive.Close()
		archive = boltArchive
		log.Printf("transcripts archived at %s", cfg.Chat.HistoryDBPath)
	}

	client := transport.NewClient(transport.WithIdleTimeout(cfg.Chat.IdleTimeout))
	turnCfg := cfg.Chat.TurnConfig()
	turnCfg.Hooks = turnMetrics.Hooks(turn.Hooks{
		OnResponse: session.ResponseHeaderHook("X-Request-Id"),
	})

	sessions := session.NewManager(session.ManagerConfig{
		Transport:  turn.HTTPTransport(client),
		Turn:       turnCfg,
		Archive:    archive,
		History:    client,
		HistoryURL: cfg.Chat.HistoryURL,
	})
	defer sessions.CloseAll()

	router := handler.NewRouter(sessions, streamHandler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Z Study backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Printf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
