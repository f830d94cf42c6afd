package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zhouzirui/z-study/internal/model/chat"
	"github.com/zhouzirui/z-study/internal/service/session"
	"github.com/zhouzirui/z-study/internal/service/turn"
)

// repl reads prompts line by line and prints replies as they stream in.
type repl struct {
	sess       *session.Session
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	interrupts <-chan os.Signal
	body       map[string]any
}

func (r *repl) loop(ctx context.Context) error {
	for _, msg := range r.sess.Messages() {
		fmt.Fprintf(r.out, "%s: %s\n", msg.Role, msg.Content)
	}

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/retry":
			if err := r.runTurn(func() (*turn.Turn, error) {
				return r.sess.RetryLast(ctx, r.options()...)
			}); err != nil {
				return err
			}
		default:
			if err := r.runTurn(func() (*turn.Turn, error) {
				return r.sess.Send(ctx, line, r.options()...)
			}); err != nil {
				return err
			}
		}
	}
}

func (r *repl) options() []turn.RequestOption {
	if len(r.body) == 0 {
		return nil
	}
	return []turn.RequestOption{turn.WithBody(r.body)}
}

// runTurn starts a turn and echoes the assistant content as it grows.
func (r *repl) runTurn(start func() (*turn.Turn, error)) error {
	updates, cancel := r.sess.Subscribe()
	defer cancel()

	current, err := start()
	if errors.Is(err, turn.ErrBusy) || errors.Is(err, turn.ErrEmptyMessage) {
		fmt.Fprintf(r.errOut, "%v\n", err)
		return nil
	}
	if err != nil {
		return err
	}
	if current == nil {
		fmt.Fprintln(r.errOut, "nothing to retry")
		return nil
	}

	printed := ""
	echo := func(content string) {
		if strings.HasPrefix(content, printed) && len(content) > len(printed) {
			fmt.Fprint(r.out, content[len(printed):])
			printed = content
		}
	}

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			echo(assistantContent(snap, current.AssistantMessageID))
		case <-r.interrupts:
			r.sess.Stop()
		case <-current.Done():
			result, _ := current.Wait(context.Background())
			switch result.Outcome {
			case turn.OutcomeFailed:
				fmt.Fprintln(r.out)
				fmt.Fprintf(r.errOut, "error: %v\n", result.Err)
			case turn.OutcomeCancelled:
				echo(result.Message.Content)
				fmt.Fprintln(r.out, " [stopped]")
			default:
				echo(result.Message.Content)
				fmt.Fprintln(r.out)
			}
			return nil
		}
	}
}

func assistantContent(messages []chat.Message, id chat.MessageID) string {
	for _, msg := range messages {
		if msg.ID == id {
			return msg.Content
		}
	}
	return ""
}
