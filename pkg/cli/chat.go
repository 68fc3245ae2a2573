package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/usecase/agent"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var cfg config

	flags := loggingFlags(&cfg)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)
	flags = append(flags, agentFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive conversation with the assistant",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx)

			orchestrator, cleanup, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			return runChat(ctx, orchestrator, c.Root().Writer)
		},
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".jarvis_history")
}

func isExit(input string) bool {
	switch strings.ToLower(input) {
	case "exit", "quit":
		return true
	}
	return false
}

func runChat(ctx context.Context, orchestrator *agent.Orchestrator, w io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mYou:\033[0m ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return goerr.Wrap(err, "failed to initialize readline")
	}
	defer func() { _ = rl.Close() }()

	fmt.Fprintln(w, "Jarvis is ready. Type 'exit' or 'quit' to end the session.")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if isExit(input) {
			break
		}

		sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond,
			spinner.WithWriter(os.Stderr),
			spinner.WithSuffix(" thinking..."),
		)
		sp.Start()
		answer, err := orchestrator.Chat(ctx, input)
		sp.Stop()
		if err != nil {
			return goerr.Wrap(err, "chat interrupted")
		}

		fmt.Fprintf(w, "\033[32mJarvis:\033[0m %s\n\n", answer)
	}

	fmt.Fprintln(w, "Goodbye.")
	return nil
}
