// Package provider maps each member of the closed provider set to the
// command line that launches its ACP-speaking subprocess.
package provider

import (
	"fmt"
	"os"

	"github.com/agentdeck/agentdeck/internal/common/config"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// LaunchConfig is the resolved subprocess invocation for one provider.
type LaunchConfig struct {
	Command string
	Args    []string
	Env     []string // appended to the parent environment
}

// defaults returns the built-in invocation for a provider. Every provider
// speaks ACP over stdio; the CLIs that need a flag to do so get it here.
func defaults(p v1.AgentProvider) (LaunchConfig, bool) {
	switch p {
	case v1.ProviderClaudeCode:
		return LaunchConfig{
			Command: "npx",
			Args:    []string{"-y", "@zed-industries/claude-code-acp"},
		}, true
	case v1.ProviderCodex:
		return LaunchConfig{
			Command: "npx",
			Args:    []string{"-y", "@openai/codex", "acp"},
		}, true
	case v1.ProviderGemini:
		return LaunchConfig{
			Command: "npx",
			Args:    []string{"-y", "@google/gemini-cli", "--experimental-acp"},
		}, true
	case v1.ProviderMock:
		return LaunchConfig{Command: "agentdeck-mock"}, true
	default:
		return LaunchConfig{}, false
	}
}

// Resolve returns the launch configuration for a provider, applying any
// override from configuration on top of the built-in default.
func Resolve(p v1.AgentProvider, overrides map[string]config.ProviderConfig) (LaunchConfig, error) {
	if !p.Valid() {
		return LaunchConfig{}, fmt.Errorf("unknown provider: %q", p)
	}

	lc, _ := defaults(p)
	if override, ok := overrides[string(p)]; ok {
		if override.Command != "" {
			lc.Command = override.Command
			lc.Args = nil
		}
		if len(override.Args) > 0 {
			lc.Args = append([]string{}, override.Args...)
		}
		for k, v := range override.Env {
			lc.Env = append(lc.Env, k+"="+v)
		}
	}
	return lc, nil
}

// Environ returns the full environment for the subprocess.
func (lc LaunchConfig) Environ() []string {
	if len(lc.Env) == 0 {
		return os.Environ()
	}
	return append(os.Environ(), lc.Env...)
}
