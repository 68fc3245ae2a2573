package mcp

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the MCP configuration file structure
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadConfig reads and parses an MCP configuration file
func LoadConfig(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve config path", goerr.V("path", path))
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read MCP config file", goerr.V("path", absPath))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to parse MCP config file", goerr.V("path", absPath))
	}
	return &cfg, nil
}

// LoadAndConnect loads the configuration and connects to every server. Servers
// that fail to connect are skipped with a warning. It returns nil when no path
// is given or no server could be connected.
func LoadAndConnect(ctx context.Context, configPath string) (*Provider, error) {
	if configPath == "" {
		return nil, nil
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.From(ctx)
	if len(cfg.Servers) == 0 {
		logger.Info("no MCP servers configured", "path", configPath)
		return nil, nil
	}

	client := NewClient()
	var failed []string
	for _, serverCfg := range cfg.Servers {
		if err := client.Connect(ctx, serverCfg); err != nil {
			logger.Warn("failed to connect to MCP server", "server", serverCfg.Name, "error", err)
			failed = append(failed, serverCfg.Name)
			continue
		}
		logger.Info("connected to MCP server", "server", serverCfg.Name)
	}

	if len(client.GetAllServers()) == 0 {
		logger.Warn("no MCP servers connected", "failed", failed)
		return nil, nil
	}

	return NewProvider(client)
}
