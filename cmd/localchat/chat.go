package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/localchat/internal/model"
)

const chatHelp = `Commands:
  /history [n]   show the last n persisted messages
  /clear-all     erase the persisted history
  /reset         clear this conversation (history on disk is kept)
  /temp <t>      set the sampling temperature (0.1 - 1.0)
  /help          show this help
  /quit          exit`

func newChatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, "chat")
			if err != nil {
				return err
			}
			defer a.Close()
			return runChat(a.auditContext(cmd.Context()), a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// chatSession is the terminal counterpart of the displayed conversation.
type chatSession struct {
	app         *app
	out         io.Writer
	history     []model.Message
	temperature float64
}

func runChat(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	s := &chatSession{
		app:         a,
		out:         out,
		history:     a.controller.ResetDisplay(ctx),
		temperature: a.cfg.Temperature,
	}
	fmt.Fprintf(out, "localchat (%s). Type /help for commands.\n", a.cfg.Model)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := s.command(ctx, line); quit {
				return nil
			}
			continue
		}
		s.history = a.controller.HandleTurn(ctx, line, s.history, s.temperature)
		if n := len(s.history); n > 0 {
			fmt.Fprintf(out, "assistant: %s\n", s.history[n-1].Content)
		}
	}
}

func (s *chatSession) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(s.out, chatHelp)
	case "/reset":
		s.history = s.app.controller.ResetDisplay(ctx)
		fmt.Fprintln(s.out, "(conversation cleared)")
	case "/clear-all":
		printMessages(s.out, s.app.controller.ClearAllHistory(ctx))
	case "/history":
		limit := 0
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n <= 0 {
				fmt.Fprintln(s.out, "usage: /history [n]")
				return false
			}
			limit = n
		}
		printMessages(s.out, s.app.controller.LoadDisplayHistory(ctx, limit))
	case "/temp":
		if len(fields) != 2 {
			fmt.Fprintf(s.out, "temperature: %.2f\n", s.temperature)
			return false
		}
		t, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || t < 0.1 || t > 1.0 {
			fmt.Fprintln(s.out, "temperature must be a number in [0.1, 1.0]")
			return false
		}
		s.temperature = t
		fmt.Fprintf(s.out, "temperature: %.2f\n", s.temperature)
	default:
		fmt.Fprintf(s.out, "unknown command %s, type /help\n", fields[0])
	}
	return false
}

func printMessages(out io.Writer, msgs []model.Message) {
	for _, m := range msgs {
		fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
	}
}
