package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "jarvis",
		Usage: "Memory augmented assistant with tool calling",
		Commands: []*cli.Command{
			chatCommand(),
			askCommand(),
			indexCommand(),
			prefCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		logging.Default().Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

// withLogger installs the configured logger as default and into ctx. Logs go
// to stderr so answers on stdout stay clean.
func (cfg *config) withLogger(ctx context.Context) context.Context {
	logger := cfg.newLogger(os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

func askCommand() *cli.Command {
	var cfg config

	flags := loggingFlags(&cfg)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)
	flags = append(flags, agentFlags(&cfg)...)

	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a single question and print the answer",
		ArgsUsage: "<question>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if question == "" {
				return goerr.New("question is required")
			}

			ctx = cfg.withLogger(ctx)
			orchestrator, cleanup, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			answer, err := orchestrator.Chat(ctx, question)
			if err != nil {
				return goerr.Wrap(err, "failed to answer question")
			}

			fmt.Fprintln(c.Root().Writer, answer)
			return nil
		},
	}
}

func indexCommand() *cli.Command {
	var cfg config

	flags := loggingFlags(&cfg)
	flags = append(flags, memoryFlags(&cfg)...)
	flags = append(flags, &cli.StringFlag{
		Name:        "docs-dir",
		Usage:       "Directory of *.txt files to index",
		Value:       "docs",
		Sources:     cli.EnvVars("JARVIS_DOCS_DIR"),
		Destination: &cfg.docsDir,
	})

	return &cli.Command{
		Name:  "index",
		Usage: "Index text documents into an empty knowledge base",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx)

			mem, err := cfg.newMemory(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = mem.Close() }()

			n, err := mem.IndexDirectory(ctx, cfg.docsDir)
			if err != nil {
				return goerr.Wrap(err, "failed to index documents")
			}
			total, err := mem.CountDocuments(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Indexed %d document(s), knowledge base holds %d\n", n, total)
			return nil
		},
	}
}
