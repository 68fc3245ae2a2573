package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/tool"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Provider exposes the tools of connected MCP servers as a tool.Provider
type Provider struct {
	client *Client
	tools  []*mcpTool
	byName map[string]*mcpTool
}

type mcpTool struct {
	serverName string
	desc       *model.ToolDescriptor
}

var (
	_ tool.Provider = (*Provider)(nil)
	_ tool.Prompter = (*Provider)(nil)
)

// NewProvider indexes the tools of every connected server. When two servers
// expose the same name the later server wins.
func NewProvider(client *Client) (*Provider, error) {
	p := &Provider{
		client: client,
		byName: make(map[string]*mcpTool),
	}

	for _, serverName := range client.GetAllServers() {
		tools, err := client.GetTools(serverName)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to get tools from server", goerr.V("server", serverName))
		}

		for _, t := range tools {
			params, err := convertInputSchema(t.InputSchema)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert tool",
					goerr.V("server", serverName),
					goerr.V("tool", t.Name))
			}

			entry := &mcpTool{
				serverName: serverName,
				desc: &model.ToolDescriptor{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			}
			if _, exists := p.byName[t.Name]; !exists {
				p.tools = append(p.tools, entry)
			} else {
				for i, existing := range p.tools {
					if existing.desc.Name == t.Name {
						p.tools[i] = entry
					}
				}
			}
			p.byName[t.Name] = entry
		}
	}

	return p, nil
}

func (p *Provider) Descriptors() []*model.ToolDescriptor {
	descs := make([]*model.ToolDescriptor, len(p.tools))
	for i, t := range p.tools {
		descs[i] = t.desc
	}
	return descs
}

func (p *Provider) Prompt(ctx context.Context) string {
	if len(p.tools) == 0 {
		return ""
	}
	return "Some tools are provided by external MCP (Model Context Protocol) servers and may reach file systems, databases or web services."
}

// Invoke calls the tool on its server. Text content is concatenated; other
// content is rendered as JSON. A result flagged as an error is returned as error.
func (p *Provider) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := p.byName[name]
	if !ok {
		return "", goerr.Wrap(tool.ErrToolNotFound, "no MCP tool", goerr.V("name", name))
	}

	result, err := p.client.CallTool(ctx, t.serverName, name, args)
	if err != nil {
		return "", err
	}

	text, err := renderResult(result)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "", goerr.New(text, goerr.V("server", t.serverName), goerr.V("tool", name))
	}
	return text, nil
}

func renderResult(result *mcp.CallToolResult) (string, error) {
	parts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return "", goerr.Wrap(err, "failed to marshal MCP content")
		}
		parts = append(parts, string(raw))
	}

	if len(parts) == 0 && result.StructuredContent != nil {
		raw, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return "", goerr.Wrap(err, "failed to marshal structured content")
		}
		parts = append(parts, string(raw))
	}

	return strings.Join(parts, "\n"), nil
}

// Close disconnects every server
func (p *Provider) Close() error {
	return p.client.Close()
}
