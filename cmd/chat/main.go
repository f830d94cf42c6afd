package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-study/internal/config"
	"github.com/zhouzirui/z-study/internal/decoder"
	"github.com/zhouzirui/z-study/internal/model/chat"
	chatservice "github.com/zhouzirui/z-study/internal/service/chat"
	"github.com/zhouzirui/z-study/internal/service/session"
	"github.com/zhouzirui/z-study/internal/service/turn"
	"github.com/zhouzirui/z-study/internal/transport"
)

type options struct {
	endpoint    string
	framing     string
	chatID      string
	mode        string
	dropOnError bool
	idleTimeout time.Duration
	historyDB   string
	historyURL  string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a streaming chat endpoint from the terminal",
		Long: `chat sends each line you type to a streaming chat endpoint and prints the reply as it
arrives. Ctrl-C stops the reply in progress. Type /retry to regenerate the last reply and
/quit to leave.`,
		SilenceUsage: true,
		PreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.endpoint, "endpoint", "", "streaming endpoint (default $CHAT_ENDPOINT)")
	flags.StringVar(&opts.framing, "framing", "", "response framing: text or sse (default $CHAT_FRAMING)")
	flags.StringVar(&opts.chatID, "chat", "", "conversation id (default: a new one)")
	flags.StringVar(&opts.mode, "mode", "", "tutoring mode sent in the request body: explain, quiz or summarize")
	flags.BoolVar(&opts.dropOnError, "drop-on-error", false, "remove a failed reply instead of showing an error notice")
	flags.DurationVar(&opts.idleTimeout, "idle-timeout", 0, "abort when the stream is silent this long (default $CHAT_IDLE_TIMEOUT_SECONDS)")
	flags.StringVar(&opts.historyDB, "history-db", "", "bolt file for saved conversations (default $HISTORY_DB_PATH)")
	flags.StringVar(&opts.historyURL, "history-url", "", "server to load earlier messages from (default $CHAT_HISTORY_URL)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "show transport logs")

	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	if !opts.verbose {
		log.SetOutput(io.Discard)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	chatCfg := applyFlags(cfg.Chat, opts)

	chatID := chat.ChatID(opts.chatID)
	if chatID == "" {
		chatID = chat.ChatID("chat_" + uuid.NewString())
	}

	var archive chatservice.Archive
	if chatCfg.HistoryDBPath != "" {
		boltArchive, err := chatservice.OpenBoltArchive(chatCfg.HistoryDBPath)
		if err != nil {
			return fmt.Errorf("open history database: %w", err)
		}
		defer boltArchive.Close()
		archive = boltArchive
	}

	client := transport.NewClient(transport.WithIdleTimeout(chatCfg.IdleTimeout))
	mgr := session.NewManager(session.ManagerConfig{
		Transport:  turn.HTTPTransport(client),
		Turn:       chatCfg.TurnConfig(),
		Archive:    archive,
		History:    client,
		HistoryURL: chatCfg.HistoryURL,
	})
	defer mgr.CloseAll()

	sess, err := mgr.Open(cmd.Context(), chatID)
	if err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	fmt.Fprintf(cmd.OutOrStdout(), "chat %s via %s\n", chatID, chatCfg.Endpoint)
	r := &repl{
		sess:       sess,
		in:         cmd.InOrStdin(),
		out:        cmd.OutOrStdout(),
		errOut:     cmd.ErrOrStderr(),
		interrupts: interrupts,
		body:       requestBody(opts.mode),
	}
	return r.loop(cmd.Context())
}

func applyFlags(cfg config.ChatConfig, opts options) config.ChatConfig {
	if opts.endpoint != "" {
		cfg.Endpoint = opts.endpoint
	}
	if opts.framing != "" {
		if framing, err := decoder.ParseFraming(opts.framing); err == nil {
			cfg.Framing = framing
		}
	}
	if opts.dropOnError {
		cfg.KeepLastMessageOnError = false
	}
	if opts.idleTimeout > 0 {
		cfg.IdleTimeout = opts.idleTimeout
	}
	if opts.historyDB != "" {
		cfg.HistoryDBPath = opts.historyDB
	}
	if opts.historyURL != "" {
		cfg.HistoryURL = opts.historyURL
	}
	return cfg
}

func requestBody(mode string) map[string]any {
	if mode == "" {
		return nil
	}
	return map[string]any{"mode": mode}
}
