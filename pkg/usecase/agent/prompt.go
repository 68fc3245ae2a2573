package agent

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"text/template"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
)

//go:embed prompt/system.md
var systemPromptRaw string

//go:embed prompt/memory_reasoner.md
var reasonerPromptRaw string

var (
	systemPromptTmpl   = template.Must(template.New("system").Parse(systemPromptRaw))
	reasonerPromptTmpl = template.Must(template.New("memory_reasoner").Parse(reasonerPromptRaw))
)

type systemPromptInput struct {
	Date     string
	Tools    string
	Guidance string
}

func renderSystemPrompt(now time.Time, tools, guidance string) (string, error) {
	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, systemPromptInput{
		Date:     now.Format("2006-01-02"),
		Tools:    tools,
		Guidance: guidance,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to render system prompt")
	}
	return buf.String(), nil
}

type reasonerPromptInput struct {
	Sentinel string
	Tools    string
}

func renderReasonerPrompt(descs []*model.ToolDescriptor) (string, error) {
	tools, err := json.MarshalIndent(descs, "", "  ")
	if err != nil {
		return "", goerr.Wrap(err, "failed to marshal memory reasoner tools")
	}

	var buf bytes.Buffer
	if err := reasonerPromptTmpl.Execute(&buf, reasonerPromptInput{
		Sentinel: NoContextSentinel,
		Tools:    string(tools),
	}); err != nil {
		return "", goerr.Wrap(err, "failed to render memory reasoner prompt")
	}
	return buf.String(), nil
}
