package config

import (
	"time"

	"github.com/snopsgo/snops/pkg/agentstate"
)

// DefaultControlConfig returns the control plane's configuration before
// any YAML file or environment variable is applied.
func DefaultControlConfig() *ControlConfig {
	return &ControlConfig{
		ListenAddr: ":9090",
		StorePath:  "snops-control.db",
		Network:    "testnet",
		LogLevel:   "info",
		Ports:      agentstate.DefaultPortConfig(),
	}
}

// DefaultAgentConfig returns the agent's configuration before any YAML
// file or environment variable is applied.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		ControlURL:       "ws://127.0.0.1:9090/agent",
		Network:          "testnet",
		LogLevel:         "info",
		BinaryPath:       "snarkos",
		WorkDir:          "snops-agent-data",
		Mode:             agentstate.ModeValidator,
		HandshakeTimeout: 10 * time.Second,
	}
}
