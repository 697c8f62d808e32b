package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeUsesEmbeddedDefaultsWhenNoOverrideRoots(t *testing.T) {
	c := NewComposer("", "", nil)
	out := c.Compose(Input{StoryID: "US-1", Model: "sonnet", WorkingDir: t.TempDir(), BacklogDir: "/prd"})

	assert.Contains(t, out.SystemContext, "Autonomous Coding Assistant")
	assert.Contains(t, out.SystemContext, "Workflow")
	assert.Contains(t, out.StoryPrompt, "sonnet")
	assert.Contains(t, out.StoryPrompt, "/prd")
	assert.Contains(t, out.StoryPrompt, "User Story Notes")
}

func TestComposeUnknownPrefixIsBaseOnly(t *testing.T) {
	c := NewComposer("", "", nil)
	out := c.Compose(Input{StoryID: "ZZZ-1", Model: "sonnet", WorkingDir: t.TempDir(), BacklogDir: "/prd"})

	assert.NotContains(t, out.StoryPrompt, "Notes")
}

func TestComposeDetectsGoStack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))

	c := NewComposer("", "", nil)
	out := c.Compose(Input{StoryID: "US-1", Model: "sonnet", WorkingDir: dir, BacklogDir: "/prd"})
	assert.Contains(t, out.SystemContext, "Go Project")
}

func TestComposeOverrideRootsTakePrecedenceOverEmbedded(t *testing.T) {
	contextsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(contextsDir, "base.md"), []byte("custom base context"), 0o644))

	c := NewComposer(contextsDir, "", nil)
	out := c.Compose(Input{StoryID: "US-1", Model: "sonnet", WorkingDir: t.TempDir(), BacklogDir: "/prd"})
	assert.Contains(t, out.SystemContext, "custom base context")
	assert.NotContains(t, out.SystemContext, "Autonomous Coding Assistant")
}

func TestComposeProjectRegistryLongestPrefixMatch(t *testing.T) {
	contextsDir := t.TempDir()
	generalCtx := filepath.Join(contextsDir, "general.md")
	specificCtx := filepath.Join(contextsDir, "specific.md")
	require.NoError(t, os.WriteFile(generalCtx, []byte("general project context"), 0o644))
	require.NoError(t, os.WriteFile(specificCtx, []byte("specific project context"), 0o644))

	workingDir := t.TempDir()
	registry := ProjectRegistry{
		{Path: filepath.Dir(workingDir), Contexts: []string{generalCtx}},
		{Path: workingDir, Contexts: []string{specificCtx}},
	}

	c := NewComposer(contextsDir, "", registry)
	out := c.Compose(Input{StoryID: "US-1", Model: "sonnet", WorkingDir: workingDir, BacklogDir: "/prd"})
	assert.Contains(t, out.SystemContext, "specific project context")
	assert.NotContains(t, out.SystemContext, "general project context")
}

func TestComposeDedupesContextsByAbsolutePath(t *testing.T) {
	contextsDir := t.TempDir()
	extra := filepath.Join(contextsDir, "dup.md")
	require.NoError(t, os.WriteFile(extra, []byte("dup content"), 0o644))

	c := NewComposer(contextsDir, "", ProjectRegistry{
		{Path: "/any", Contexts: []string{extra}},
	})
	out := c.Compose(Input{
		StoryID:    "US-1",
		Model:      "sonnet",
		WorkingDir: "/any/sub",
		BacklogDir: "/prd",
		Extras:     []string{extra},
	})

	count := 0
	rest := out.SystemContext
	for {
		idx := indexOf(rest, "dup content")
		if idx < 0 {
			break
		}
		count++
		rest = rest[idx+len("dup content"):]
	}
	assert.Equal(t, 1, count)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestComposeTokenBudgetDropsSectionsFromTail(t *testing.T) {
	c := NewComposer("", "", nil)
	c.SystemContextTokenBudget = 1

	out := c.Compose(Input{StoryID: "US-1", Model: "sonnet", WorkingDir: t.TempDir(), BacklogDir: "/prd"})
	assert.NotEmpty(t, out.Dropped)
}

func TestComposePlaceholderSubstitutionIsGlobal(t *testing.T) {
	promptsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(promptsDir, "base.md"),
		[]byte("model=${MODEL} dir=${WORKING_DIR} prd=${PRD_JSON_DIR} ts=${ISO_TIMESTAMP} id=${STORY_ID}"), 0o644))

	c := NewComposer("", promptsDir, nil)
	out := c.Compose(Input{StoryID: "BUG-42", Model: "opus", WorkingDir: "/work", BacklogDir: "/prd-dir"})

	assert.Contains(t, out.StoryPrompt, "model=opus")
	assert.Contains(t, out.StoryPrompt, "dir=/work")
	assert.Contains(t, out.StoryPrompt, "prd=/prd-dir")
	assert.Contains(t, out.StoryPrompt, "id=BUG-42")
	assert.NotContains(t, out.StoryPrompt, "${")
}
