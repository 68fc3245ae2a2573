// Package policy decides whether a tool call may run, using Rego policies
// evaluated against the call.
package policy

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// Query is the document every policy package must define
const Query = "data.jarvis.tool"

// Guard evaluates tool calls against the loaded policies. A Guard without
// policies allows everything.
type Guard struct {
	query  *rego.PreparedEvalQuery
	userID string
}

// Input is the document passed to policies as input
type Input struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	UserID    string         `json:"user_id"`
}

type Option func(*Guard)

// WithUserID sets the user reported to policies
func WithUserID(userID string) Option {
	return func(g *Guard) {
		g.userID = userID
	}
}

type printHook struct {
	ctx context.Context
}

func (h *printHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Load reads every *.rego file in dir. An empty dir argument or a directory
// without policy files yields a Guard that allows everything.
func Load(ctx context.Context, dir string, opts ...Option) (*Guard, error) {
	g := &Guard{userID: model.DefaultUserID}
	for _, opt := range opts {
		opt(g)
	}
	if dir == "" {
		return g, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return g, nil
	}

	options := []func(*rego.Rego){rego.Query(Query)}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare policy query", goerr.V("dir", dir))
	}
	g.query = &prepared

	logging.From(ctx).Debug("tool policies loaded", "dir", dir, "files", files)
	return g, nil
}

// Check evaluates the call. An undefined policy result or a missing allow field
// allows the call.
func (g *Guard) Check(ctx context.Context, call *model.ToolCallRequest) (bool, string, error) {
	if g.query == nil {
		return true, "", nil
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	input := map[string]any{
		"name":      call.Name,
		"arguments": args,
		"user_id":   g.userID,
	}

	rs, err := g.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&printHook{ctx: ctx}))
	if err != nil {
		return false, "", goerr.Wrap(err, "failed to evaluate tool policy", goerr.V("tool", call.Name))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return true, "", nil
	}

	result, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return false, "", goerr.New("tool policy result must be an object",
			goerr.V("tool", call.Name),
			goerr.V("value", rs[0].Expressions[0].Value),
		)
	}

	allow := true
	if v, ok := result["allow"]; ok {
		b, ok := v.(bool)
		if !ok {
			return false, "", goerr.New("allow must be a boolean", goerr.V("tool", call.Name), goerr.V("value", v))
		}
		allow = b
	}
	reason, _ := result["reason"].(string)
	if !allow && reason == "" {
		reason = "denied"
	}

	return allow, reason, nil
}
