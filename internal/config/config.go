// Package config holds the orchestrator's runtime configuration. The file
// format and the CLI flags that populate it are out of scope (SPEC_FULL.md
// §1); this package only owns the struct, its defaults, and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/taskorch/taskorch/internal/fsutil"
)

// Config is the orchestrator's top-level configuration.
type Config struct {
	Version       string        `json:"version"`
	WorkspaceRoot string        `json:"workspace_root"`
	Policy        Policy        `json:"policy"`
	Agent         AgentConfig   `json:"agent"`
	Webhook       WebhookConfig `json:"webhook"`
	Repo          RepoConfig    `json:"repo"`
}

// RepoConfig identifies the single source repository this orchestrator
// instance drives tasks against, and how newly provisioned worktrees
// should be laid out. Per SPEC_FULL.md §1, the repo config file format
// itself is out of scope; this struct is the minimal glue a runnable
// binary needs.
type RepoConfig struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	BaseBranch    string `json:"base_branch"`
	BranchPrefix  string `json:"branch_prefix"`
	WorktreesRoot string `json:"worktrees_root,omitempty"`
}

// Policy holds file-change policy settings, checked by Validate. Plans
// parsed by internal/agentadapter do not read these values: missing plan
// constraints fall back to that package's own built-in defaults.
type Policy struct {
	AllowedPaths    []string `json:"allowed_paths"`
	ForbiddenPaths  []string `json:"forbidden_paths"`
	MaxFilesChanged int      `json:"max_files_changed"`
}

// AgentConfig configures the subprocess invocation of the external
// code-generation tool.
type AgentConfig struct {
	Cmd           []string          `json:"cmd"`
	Mode          string            `json:"mode"` // "cli" or "sdk_bridge"
	Env           map[string]string `json:"env,omitempty"`
	TimeoutS      int               `json:"timeout_s"`
	ContainerImage string           `json:"container_image,omitempty"` // non-empty enables container-wrapped run_test
}

// Timeout returns the configured agent timeout, defaulting to 15 minutes
// per SPEC_FULL.md §5.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutS <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(a.TimeoutS) * time.Second
}

// WebhookConfig configures the HTTP intake surface.
type WebhookConfig struct {
	Addr              string `json:"addr"`
	VerificationToken string `json:"verification_token,omitempty"`
	AutoClarify       bool   `json:"auto_clarify"`
	AutoProvision     bool   `json:"auto_provision"`
	AutoRun           bool   `json:"auto_run"`
}

// GenerateDefault returns a Config with conservative defaults.
func GenerateDefault() *Config {
	return &Config{
		Version:       "1.0",
		WorkspaceRoot: ".",
		Policy: Policy{
			AllowedPaths:    []string{"**"},
			ForbiddenPaths:  []string{".git/**"},
			MaxFilesChanged: 20,
		},
		Agent: AgentConfig{
			Cmd:      []string{"agent"},
			Mode:     "cli",
			TimeoutS: 900,
		},
		Webhook: WebhookConfig{
			Addr:          ":8080",
			AutoClarify:   true,
			AutoProvision: true,
			AutoRun:       true,
		},
		Repo: RepoConfig{
			BaseBranch:   "main",
			BranchPrefix: "taskorch",
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly
// error messages with correction hints.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if len(c.Agent.Cmd) == 0 {
		return fmt.Errorf("configuration error: 'agent.cmd' is empty\n\nHint: Specify the command to run the agent:\n  \"agent\": {\"cmd\": [\"agent-tool\"]}")
	}

	switch c.Agent.Mode {
	case "", "cli", "sdk_bridge":
	default:
		return fmt.Errorf("configuration error: invalid 'agent.mode' value %q\n\nHint: Use \"cli\" or \"sdk_bridge\"", c.Agent.Mode)
	}

	if c.Policy.MaxFilesChanged <= 0 {
		return fmt.Errorf("configuration error: 'policy.max_files_changed' must be > 0\n\nHint: Update your config:\n  \"policy\": {\"max_files_changed\": 20}")
	}

	if len(c.Policy.AllowedPaths) == 0 {
		return fmt.Errorf("configuration error: 'policy.allowed_paths' is empty\n\nHint: At minimum allow the whole tree:\n  \"policy\": {\"allowed_paths\": [\"**\"]}")
	}

	if c.Webhook.Addr == "" {
		return fmt.Errorf("configuration error: missing required field 'webhook.addr'\n\nHint: Add a listen address like:\n  \"webhook\": {\"addr\": \":8080\"}")
	}

	return nil
}

// LoadFromFile loads a configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file atomically, with 0600
// permissions.
func (c *Config) SaveToFile(path string) error {
	return fsutil.AtomicWriteJSON(path, c)
}
