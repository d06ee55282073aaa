// Package config loads the daemon-level configuration for the control
// plane and agent binaries: listen addresses, the persistence path, the
// JWT signing secret, default ports, and logging. This is distinct from
// pkg/env, which models the declarative test-network topology
// (storage/nodes/cannon documents) rather than the daemon's own runtime
// settings.
package config

import (
	"time"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
)

// ControlConfig is the control plane's runtime configuration. The same
// struct doubles as the YAML unmarshal target (mergo merges it with
// DefaultControlConfig) and the fully-resolved value the rest of the
// control plane reads from. JWTSecret is excluded from YAML on purpose:
// it is only ever sourced from the JWT_SECRET environment variable.
type ControlConfig struct {
	ListenAddr string                 `yaml:"listen_addr,omitempty"`
	StorePath  string                 `yaml:"store_path,omitempty"`
	Network    ids.NetworkID          `yaml:"network,omitempty"`
	LogLevel   string                 `yaml:"log_level,omitempty"`
	Ports      agentstate.PortConfig  `yaml:"default_ports,omitempty"`
	JWTSecret  string                 `yaml:"-"`
}

// AgentConfig is the agent's runtime configuration, same merge
// treatment as ControlConfig; JWT is excluded from YAML for the same
// reason JWTSecret is.
type AgentConfig struct {
	ControlURL string        `yaml:"control_url,omitempty"`
	AgentID    ids.AgentID   `yaml:"agent_id,omitempty"`
	Network    ids.NetworkID `yaml:"network,omitempty"`
	LogLevel   string        `yaml:"log_level,omitempty"`
	BinaryPath string        `yaml:"binary_path,omitempty"`
	WorkDir    string        `yaml:"work_dir,omitempty"`

	// PrivateKeyFile points at locally held key material; empty means
	// the agent cannot serve targets requiring a local private key.
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`
	Labels     []string      `yaml:"labels,omitempty"`
	Mode       agentstate.Mode `yaml:"mode,omitempty"`
	JWT        string        `yaml:"-"`

	// HandshakeTimeout bounds the initial handshake call only; reconcile
	// calls use the control plane's own 300s deadline. Not
	// YAML-configurable: yaml.v3 has no native time.Duration support and
	// this value has never needed tuning in practice.
	HandshakeTimeout time.Duration `yaml:"-"`
}
