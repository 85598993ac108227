// Command weft is the terminal front-end for the agent session core: it
// obtains a session controller, streams events to stdout, and routes
// process signals to flush and disposal.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/weft/internal/agent"
	"github.com/haasonsaas/weft/internal/config"
	"github.com/haasonsaas/weft/internal/controller"
	"github.com/haasonsaas/weft/internal/observability"
	"github.com/haasonsaas/weft/internal/providers/anthropic"
	"github.com/haasonsaas/weft/internal/session"
	"github.com/haasonsaas/weft/pkg/models"
)

type envCredentials struct{}

func (envCredentials) APIKey(provider string) (string, error) {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY"), nil
	default:
		return "", nil
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "weft")
	}
	return ".weft"
}

func main() {
	var (
		dataDir     string
		sessionFile string
		model       string
		logLevel    string
		traceFile   string
	)

	root := &cobra.Command{
		Use:   "weft",
		Short: "Interactive coding agent session runtime",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "data directory for sessions and settings")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	chat := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Start or resume an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(dataDir, sessionFile, model, logLevel, traceFile, args)
		},
	}
	chat.Flags().StringVar(&sessionFile, "session", "", "session file to resume")
	chat.Flags().StringVar(&model, "model", "", "model override")
	chat.Flags().StringVar(&traceFile, "trace", "", "write agent events to a JSONL trace file")
	root.AddCommand(chat)

	root.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := session.OpenIndex(dataDir)
			if err != nil {
				return err
			}
			defer index.Close()
			list, err := index.List(20)
			if err != nil {
				return err
			}
			for _, s := range list {
				title := s.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s  %s  %s\n", s.UpdatedAt.Format("2006-01-02 15:04"), s.ID[:8], title)
			}
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runChat(dataDir, sessionFile, modelOverride, logLevel, traceFile string, args []string) error {
	log := observability.NewLogger(observability.LogConfig{Level: logLevel, Format: "text"})

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	settings, err := config.NewResolver(
		filepath.Join(dataDir, "settings.json"),
		filepath.Join(cwd, ".weft", "settings.json"),
		log,
	)
	if err != nil {
		return err
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	provider, err := anthropic.New(anthropic.Config{APIKey: apiKey})
	if err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if err := settings.Watch(watchCtx); err != nil {
		log.Warn(watchCtx, "settings watch unavailable", "error", err.Error())
	}
	defer settings.Close()

	ctrl, err := controller.New(controller.Options{
		DataDir:     dataDir,
		Cwd:         cwd,
		Provider:    provider,
		Credentials: envCredentials{},
		Settings:    settings,
		Logger:      log,
		Metrics:     observability.NewMetrics(nil),
		SessionFile: sessionFile,
		SystemPrompt: func(activeTools []string) string {
			return "You are a coding assistant working in " + cwd + "."
		},
	})
	if err != nil {
		return err
	}

	if modelOverride != "" {
		ctrl.SetModelTemporary(modelOverride)
	}

	if traceFile != "" {
		tw, err := agent.OpenTraceFile(traceFile, ctrl.Session().ID)
		if err != nil {
			return err
		}
		defer tw.Close()
		defer ctrl.Subscribe(tw.Listen())()
	}

	// Signals flush and dispose before exit.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			ctrl.Abort()
			ctrl.Dispose(context.Background()) //nolint:errcheck // exiting
			os.Exit(130)
		case <-done:
		}
	}()
	defer func() {
		close(done)
		ctrl.Dispose(context.Background()) //nolint:errcheck // best effort
	}()

	turnDone := make(chan struct{}, 1)
	unsub := ctrl.Subscribe(func(ev models.AgentEvent) {
		switch ev.Type {
		case models.EventMessageUpdate:
			if ev.DeltaKind == models.DeltaText {
				fmt.Print(ev.Delta)
			}
		case models.EventToolCallStart:
			if ev.ToolCall != nil {
				fmt.Printf("\n[tool: %s]\n", ev.ToolCall.Name)
			}
		case models.EventAutoRetryStart:
			if ev.Retry != nil {
				fmt.Printf("\n[retry %d/%d in %s]\n", ev.Retry.Attempt, ev.Retry.MaxAttempts, ev.Retry.Delay)
			}
		case models.EventAutoCompactionStart:
			fmt.Print("\n[compacting...]\n")
		case models.EventAgentEnd:
			fmt.Println()
			select {
			case turnDone <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	prompt := func(text string) error {
		if err := ctrl.Prompt(context.Background(), text, controller.PromptOptions{}); err != nil {
			return err
		}
		<-turnDone
		ctrl.WaitForIdle()
		return nil
	}

	if len(args) > 0 {
		return prompt(strings.Join(args, " "))
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if cmd, ok := strings.CutPrefix(line, "!"); ok {
			res, err := ctrl.Executor().RunBash(context.Background(), cmd, false, func(chunk []byte) {
				os.Stdout.Write(chunk)
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			} else if res.ExitCode != 0 {
				fmt.Fprintf(os.Stderr, "[exit %d]\n", res.ExitCode)
			}
			continue
		}
		if err := prompt(line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}
