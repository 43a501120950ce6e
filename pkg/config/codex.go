package config

import "time"

// CodexConfig contains external judge driver settings.
type CodexConfig struct {
	// Executable is the analyzer CLI binary, resolved via PATH when not
	// absolute.
	Executable string `yaml:"executable"`

	// ExtraArgs are appended to every audit and context invocation (e.g. a
	// fixed model flag); the version probe runs without them.
	ExtraArgs []string `yaml:"extra_args,omitempty"`

	// Model is the judge model identifier passed to the CLI. Affects the
	// review, so it participates in submission fingerprints.
	Model string `yaml:"model,omitempty"`

	// VersionProbeTimeout bounds the availability check.
	VersionProbeTimeout time.Duration `yaml:"version_probe_timeout"`

	// TerminateGrace is how long the driver waits between the graceful
	// termination signal and the forced kill.
	TerminateGrace time.Duration `yaml:"terminate_grace"`

	// MaxActiveContexts caps concurrently live context windows.
	MaxActiveContexts int `yaml:"max_active_contexts"`
}

// DefaultCodexConfig returns the built-in judge driver defaults.
func DefaultCodexConfig() *CodexConfig {
	return &CodexConfig{
		Executable:          "codex",
		VersionProbeTimeout: 5 * time.Second,
		TerminateGrace:      5 * time.Second,
		MaxActiveContexts:   50,
	}
}
