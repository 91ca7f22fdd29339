// Command chat is a terminal client for the tool backend. It drives the same
// conversation state machine as the websocket gateway.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/lexiqai/chat-gateway/internal/backend"
	"github.com/lexiqai/chat-gateway/internal/config"
	"github.com/lexiqai/chat-gateway/internal/conversation"
	"github.com/lexiqai/chat-gateway/internal/observability"
	"github.com/lexiqai/chat-gateway/internal/render"
)

type chatFlags struct {
	backendURL   string
	mode         string
	followUps    bool
	pollInterval time.Duration
	logLevel     string
	plain        bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags chatFlags

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the tool backend from the terminal",
		Long: `chat resolves each query to a tool, asks for any missing inputs one
at a time, then runs the tool and renders its answer.

Type /reset to start over and /quit (or Ctrl-D) to leave.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.backendURL, "backend", "", "Tool backend base URL (default: $BACKEND_URL)")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "Dispatch mode: sync or pipeline (default: $DISPATCH_MODE)")
	cmd.Flags().BoolVar(&flags.followUps, "follow-ups", false, "Pipeline mode: send later queries as follow-ups")
	cmd.Flags().DurationVar(&flags.pollInterval, "poll-interval", 0, "Pipeline status poll interval (default: $POLL_INTERVAL_MS)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&flags.plain, "plain", false, "Print raw markdown instead of styled output")

	return cmd
}

// loadConfig reads the environment and applies flag overrides
func loadConfig(cmd *cobra.Command, flags chatFlags) (*config.Config, error) {
	if flags.backendURL != "" {
		os.Setenv("BACKEND_URL", flags.backendURL)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("mode") {
		cfg.DispatchMode = strings.ToLower(flags.mode)
	}
	if cmd.Flags().Changed("follow-ups") {
		cfg.PipelineFollowUps = flags.followUps
	}
	if cmd.Flags().Changed("poll-interval") {
		cfg.PollIntervalMs = int(flags.pollInterval / time.Millisecond)
	}
	cfg.LogLevel = flags.logLevel

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runChat(cmd *cobra.Command, flags chatFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	observability.InitLogger(cfg.LogLevel, true)
	logger := observability.GetLogger()

	opts, err := conversation.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	client, err := backend.NewClient(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var renderer *glamour.TermRenderer
	if !flags.plain {
		renderer, err = glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
		if err != nil {
			return fmt.Errorf("failed to create markdown renderer: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	progress := &progressPrinter{w: cmd.ErrOrStderr()}
	opts.OnChange = progress.observe
	opts.Logger = &logger

	conv := conversation.New(client, opts)
	defer conv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Connected to %s (%s mode). Type /quit to exit.\n", cfg.BackendURL, opts.Mode)

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		fmt.Fprint(out, "> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/reset":
			conv.Reset()
			fmt.Fprintln(out, "Conversation reset.")
			continue
		}

		if err := conv.Submit(line); err != nil {
			if errors.Is(err, conversation.ErrEmptyInput) {
				continue
			}
			fmt.Fprintf(out, "%v\n", err)
			continue
		}

		if err := conv.Wait(ctx); err != nil {
			fmt.Fprintln(out)
			return nil
		}

		if turn, ok := conv.Snapshot().LastAssistant(); ok {
			printTurn(out, turn, renderer)
		}
	}
}

// readLines feeds stdin lines to ch and closes it at EOF
func readLines(r io.Reader, ch chan<- string) {
	defer close(ch)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ch <- scanner.Text()
	}
}

// progressPrinter shows pipeline stage changes while a query runs
type progressPrinter struct {
	w    io.Writer
	last string
}

func (p *progressPrinter) observe(snap conversation.Snapshot) {
	turn, ok := snap.LastAssistant()
	if !ok || !turn.IsLoading {
		p.last = ""
		return
	}
	if turn.Text != p.last {
		p.last = turn.Text
		fmt.Fprintf(p.w, "  %s\n", turn.Text)
	}
}

// printTurn writes a settled assistant turn. Results are rendered as
// markdown, styled when renderer is set.
func printTurn(w io.Writer, turn conversation.Turn, renderer *glamour.TermRenderer) {
	if turn.IsError {
		fmt.Fprintln(w, turn.Text)
		if turn.Detail != "" {
			fmt.Fprintf(w, "  (%s)\n", turn.Detail)
		}
		return
	}

	if turn.Result == nil {
		fmt.Fprintln(w, turn.Text)
		return
	}

	md := render.Markdown(turn.Result)
	if renderer != nil {
		if styled, err := renderer.Render(md); err == nil {
			fmt.Fprint(w, styled)
			return
		}
	}
	fmt.Fprintln(w, md)
}
