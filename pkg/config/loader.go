package config

import (
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
)

// LoadControl loads the control plane's configuration: defaults,
// overridden by path's YAML contents (if path is non-empty), overridden
// by NETWORK and JWT_SECRET environment variables, then validated.
func LoadControl(path string) (*ControlConfig, error) {
	cfg := DefaultControlConfig()

	if path != "" {
		yamlCfg, err := loadYAML[ControlConfig](path)
		if err != nil {
			return nil, NewLoadError(path, err)
		}
		if err := mergo.Merge(cfg, yamlCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("config: merge control config: %w", err)
		}
	}

	if net := os.Getenv("NETWORK"); net != "" {
		cfg.Network = ids.NetworkID(net)
	}
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if err := validateControl(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgent loads the agent's configuration: defaults, overridden by
// path's YAML contents (if path is non-empty), overridden by NETWORK
// and SNOPS_AGENT_JWT environment variables, then validated.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		yamlCfg, err := loadYAML[AgentConfig](path)
		if err != nil {
			return nil, NewLoadError(path, err)
		}
		if err := mergo.Merge(cfg, yamlCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("config: merge agent config: %w", err)
		}
	}

	if net := os.Getenv("NETWORK"); net != "" {
		cfg.Network = ids.NetworkID(net)
	}
	cfg.JWT = os.Getenv("SNOPS_AGENT_JWT")

	if err := validateAgent(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogLevelFilter returns the directives an agent or control plane
// should apply on top of its configured LogLevel, read from
// SNOPS_AGENT_LOG/SNOPS_CONTROL_LOG. An empty return means no
// override.
func LogLevelFilter(envVar string) string {
	return strings.TrimSpace(os.Getenv(envVar))
}

// loadYAML reads path, expands environment variables, and unmarshals
// into a zero-valued T.
func loadYAML[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var out T
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &out, nil
}

func validateControl(cfg *ControlConfig) error {
	if cfg.JWTSecret == "" {
		return NewValidationError("jwt_secret", ErrMissingJWTSecret)
	}
	switch cfg.Network {
	case "mainnet", "testnet":
	default:
		if cfg.Network == "" {
			return NewValidationError("network", ErrInvalidNetwork)
		}
		// Custom devnet names are allowed alongside mainnet/testnet.
	}
	if cfg.ListenAddr == "" {
		return NewValidationError("listen_addr", fmt.Errorf("must not be empty"))
	}
	if cfg.StorePath == "" {
		return NewValidationError("store_path", fmt.Errorf("must not be empty"))
	}
	return nil
}

func validateAgent(cfg *AgentConfig) error {
	if cfg.ControlURL == "" {
		return NewValidationError("control_url", fmt.Errorf("must not be empty"))
	}
	if cfg.AgentID == "" {
		return NewValidationError("agent_id", fmt.Errorf("must not be empty"))
	}
	if err := ids.Validate(string(cfg.AgentID)); err != nil {
		return NewValidationError("agent_id", err)
	}
	if cfg.BinaryPath == "" {
		return NewValidationError("binary_path", fmt.Errorf("must not be empty"))
	}
	switch cfg.Mode {
	case agentstate.ModeValidator, agentstate.ModeProver, agentstate.ModeClient, agentstate.ModeCompute:
	default:
		return NewValidationError("mode", fmt.Errorf("invalid mode %q", cfg.Mode))
	}
	return nil
}
