package supervisor

import (
	"strconv"
	"strings"
)

// commandBuilder renders the CLI invocation for one backend from a
// fully-composed Spawn. Selection is purely by model identifier; there
// is no runtime probing of installed binaries (spec.md §4.C).
type commandBuilder func(Spawn) []string

// backend pairs a binary name with the command builder that knows its
// argument conventions.
type backend struct {
	binary  string
	builder commandBuilder
}

// backendsByModelPrefix maps a model-identifier prefix to the backend
// that serves it. The primary backend ("claude") handles the
// documented opus/sonnet/haiku identifiers; provider-specific
// extensions route to their own backend by prefix. The set is
// intentionally open — an unrecognized model falls through to the
// primary backend, which is the conservative default.
var backendsByModelPrefix = []struct {
	prefix  string
	backend backend
}{
	{"gpt-", backend{binary: "codex", builder: buildCodexCommand}},
	{"o3", backend{binary: "codex", builder: buildCodexCommand}},
	{"o4", backend{binary: "codex", builder: buildCodexCommand}},
	{"gemini", backend{binary: "gemini", builder: buildGeminiCommand}},
}

var primaryBackend = backend{binary: "claude", builder: buildClaudeCommand}

// resolveBackend selects a backend purely from the model identifier.
func resolveBackend(model string) backend {
	for _, entry := range backendsByModelPrefix {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.backend
		}
	}
	return primaryBackend
}

// buildClaudeCommand composes the primary backend's CLI invocation:
// non-interactive print mode, permission-skip mode, explicit model,
// optional system-prompt appendix, optional max-turn bound, and the
// story prompt as the trailing payload.
func buildClaudeCommand(s Spawn) []string {
	cmd := []string{"claude", "--print", "--dangerously-skip-permissions"}
	if s.Model != "" {
		cmd = append(cmd, "--model", s.Model)
	}
	if s.SystemPrompt != "" {
		cmd = append(cmd, "--append-system-prompt", s.SystemPrompt)
	}
	if s.MaxTurns > 0 {
		cmd = append(cmd, "--max-turns", strconv.Itoa(s.MaxTurns))
	}
	cmd = append(cmd, "--", s.StoryPrompt)
	return cmd
}

// buildCodexCommand composes a codex-style backend invocation: its own
// non-interactive and auto-approve flags, model flag, prompt as a
// trailing positional argument.
func buildCodexCommand(s Spawn) []string {
	cmd := []string{"codex", "exec", "--full-auto"}
	if s.Model != "" {
		cmd = append(cmd, "--model", s.Model)
	}
	if s.SystemPrompt != "" {
		cmd = append(cmd, "--system-prompt", s.SystemPrompt)
	}
	cmd = append(cmd, s.StoryPrompt)
	return cmd
}

// buildGeminiCommand composes a gemini-style backend invocation.
func buildGeminiCommand(s Spawn) []string {
	cmd := []string{"gemini", "--yolo"}
	if s.Model != "" {
		cmd = append(cmd, "--model", s.Model)
	}
	if s.SystemPrompt != "" {
		cmd = append(cmd, "--system-prompt", s.SystemPrompt)
	}
	cmd = append(cmd, "--prompt", s.StoryPrompt)
	return cmd
}
