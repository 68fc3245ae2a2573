// Package sysenv exposes the local environment to the model: environment
// variables and a guarded shell.
package sysenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/tool"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
)

const defaultTimeout = 30 * time.Second

// restrictedPatterns are matched case-insensitively as substrings
var restrictedPatterns = []string{
	"rm -rf",
	"mkfs",
	":(){:|:&};:",
	"shutdown",
	"reboot",
	"wget",
	"curl ",
}

type Provider struct {
	*tool.Set
	timeout   time.Duration
	shell     string
	lookupEnv func(string) (string, bool)
}

type Option func(*Provider)

// WithTimeout limits how long run_command may take
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// WithLookupEnv replaces os.LookupEnv
func WithLookupEnv(f func(string) (string, bool)) Option {
	return func(p *Provider) {
		p.lookupEnv = f
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		timeout:   defaultTimeout,
		shell:     "/bin/sh",
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.Set = tool.NewSet().
		Add(&model.ToolDescriptor{
			Name:        "get_env",
			Description: "Get the value of a system environment variable.",
			Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
				"var_name": tool.StringProp("The name of the environment variable to retrieve."),
			}, "var_name"),
		}, p.getEnv).
		Add(&model.ToolDescriptor{
			Name:        "run_command",
			Description: "Run a shell command and return its output. WARNING: Use with extreme caution. Avoid interactive or system-modifying commands.",
			Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
				"command": tool.StringProp(`The shell command to execute (e.g., "ls -la", "echo 'hello'").`),
			}, "command"),
		}, p.runCommand)

	return p
}

func (p *Provider) getEnv(ctx context.Context, args map[string]any) (string, error) {
	name, err := tool.String(args, "var_name")
	if err != nil {
		return "", err
	}

	logging.From(ctx).Debug("reading environment variable", "name", name)
	if v, ok := p.lookupEnv(name); ok {
		return fmt.Sprintf("[Value of '%s': %s]", name, v), nil
	}
	return fmt.Sprintf("[Environment variable '%s' not set]", name), nil
}

// Restricted reports whether a command matches the blocklist
func Restricted(command string) bool {
	lower := strings.ToLower(command)
	for _, pattern := range restrictedPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func (p *Provider) runCommand(ctx context.Context, args map[string]any) (string, error) {
	command, err := tool.OptionalString(args, "command", "")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(command) == "" {
		return "[Error: No command provided to run_command]", nil
	}
	if Restricted(command) {
		logging.From(ctx).Warn("blocked restricted command", "command", command)
		return fmt.Sprintf("[Error: Command '%s' matches a restricted pattern and was blocked for safety.]", command), nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	logging.From(ctx).Info("running command", "command", command)
	runErr := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("[Error: Command '%s' timed out after %s seconds.]",
			command, strconv.FormatFloat(p.timeout.Seconds(), 'f', -1, 64)), nil
	}

	output := strings.TrimSpace(stdout.String())
	errOutput := strings.TrimSpace(stderr.String())

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return fmt.Sprintf("[Error running command '%s': %s]", command, runErr.Error()), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "[Command '%s' failed with code %d]", command, exitErr.ExitCode())
		if errOutput != "" {
			b.WriteString("\nError Output:\n" + errOutput)
		}
		if output != "" {
			b.WriteString("\nStandard Output (if any):\n" + output)
		}
		return b.String(), nil
	}

	if output == "" {
		return fmt.Sprintf("[Command '%s' executed successfully with no output]", command), nil
	}
	return fmt.Sprintf("[Command '%s' executed successfully]\nOutput:\n%s", command, output), nil
}
