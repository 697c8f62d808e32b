// Package prompt assembles the per-iteration system context and story
// prompt handed to the subprocess supervisor. It layers context
// fragments from an on-disk override root, a project registry, and
// auto-detected tech-stack markers over a small set of embedded
// defaults, then substitutes placeholders into the story prompt.
package prompt

import (
	"embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ralph/internal/logx"
	"ralph/internal/tokenbudget"
)

//go:embed templates/contexts/base.md templates/contexts/workflow.md templates/contexts/stacks/*.md templates/prompts/*.md
var defaultTemplates embed.FS

const fallbackStoryPrompt = "Implement the story assigned for this iteration."

// ProjectContext pins a set of extra context file paths to a working
// directory prefix. Matching is by longest path prefix: workingDir ==
// Path, or workingDir starts with Path + the OS separator.
type ProjectContext struct {
	Path     string
	Contexts []string
}

// ProjectRegistry resolves a working directory to its project-specific
// context files.
type ProjectRegistry []ProjectContext

// Lookup returns the context file list for the longest matching
// registered path, or nil if none match.
func (r ProjectRegistry) Lookup(workingDir string) []string {
	var best *ProjectContext
	for i := range r {
		p := r[i]
		if p.Path == "" {
			continue
		}
		if workingDir != p.Path && !strings.HasPrefix(workingDir, p.Path+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(p.Path) > len(best.Path) {
			entry := p
			best = &entry
		}
	}
	if best == nil {
		return nil
	}
	return best.Contexts
}

// stackMarkers maps a marker file (relative to a working directory) to
// the stack context fragment it triggers. Checked in order; multiple
// may match the same working directory (e.g. a Node project embedding
// a Python tool).
var stackMarkers = []struct {
	marker string
	stack  string
}{
	{"go.mod", "go"},
	{"package.json", "node"},
	{"Cargo.toml", "rust"},
	{"requirements.txt", "python"},
	{"pyproject.toml", "python"},
}

// Composer builds the system context and story prompt for one
// iteration. ContextsDir and PromptsDir are override roots checked
// before the package's embedded defaults; either may be empty.
type Composer struct {
	ContextsDir string
	PromptsDir  string
	Registry    ProjectRegistry

	// SystemContextTokenBudget caps the assembled system context, in
	// tokens. Zero (the default) means unbounded.
	SystemContextTokenBudget int

	counter *tokenbudget.Counter
	logger  *logx.Logger
}

// NewComposer builds a Composer with the given override roots and
// project registry.
func NewComposer(contextsDir, promptsDir string, registry ProjectRegistry) *Composer {
	return &Composer{
		ContextsDir: contextsDir,
		PromptsDir:  promptsDir,
		Registry:    registry,
		counter:     tokenbudget.NewCounter(),
		logger:      logx.NewLogger("prompt"),
	}
}

// Input parameterizes one composition.
type Input struct {
	StoryID    string
	Model      string
	WorkingDir string
	BacklogDir string
	Extras     []string // absolute paths to additional context files
}

// Output is the composed pair handed to the subprocess supervisor.
type Output struct {
	SystemContext string
	StoryPrompt   string
	// Dropped names the context fragments removed to fit the token
	// budget, in the order they were dropped. Empty when nothing was
	// trimmed.
	Dropped []string
}

// Compose assembles the system context and story prompt for one
// iteration. It never returns an error for missing template files —
// those are skipped (contexts) or substituted with a minimal fallback
// (story prompt, base only).
func (c *Composer) Compose(in Input) Output {
	sections, labels := c.collectContextSections(in)

	var systemContext string
	var dropped []string
	if c.SystemContextTokenBudget > 0 {
		joined, droppedIdx := c.counter.TrimToBudget(sections, "\n\n---\n\n", c.SystemContextTokenBudget)
		systemContext = joined
		for _, i := range droppedIdx {
			dropped = append(dropped, labels[i])
		}
	} else {
		systemContext = joinNonEmpty(sections, "\n\n---\n\n")
	}

	storyPrompt := c.composeStoryPrompt(in)

	return Output{SystemContext: systemContext, StoryPrompt: storyPrompt, Dropped: dropped}
}

// collectContextSections gathers, in spec order, the content of every
// context fragment that applies, de-duplicated by absolute identity
// path so the same fragment is never included twice.
func (c *Composer) collectContextSections(in Input) (sections []string, labels []string) {
	seen := make(map[string]bool)

	add := func(label, identity, content string) {
		if content == "" || seen[identity] {
			return
		}
		seen[identity] = true
		sections = append(sections, content)
		labels = append(labels, label)
	}

	if content, identity, ok := c.readContext("base.md"); ok {
		add("base", identity, content)
	}
	if content, identity, ok := c.readContext("workflow.md"); ok {
		add("workflow", identity, content)
	}

	for _, ctxPath := range c.Registry.Lookup(in.WorkingDir) {
		content, identity, ok := c.readContextPath(ctxPath)
		if ok {
			add("project:"+ctxPath, identity, content)
		}
	}

	for _, stack := range c.detectStacks(in.WorkingDir) {
		content, identity, ok := c.readContext(filepath.Join("stacks", stack+".md"))
		if ok {
			add("stack:"+stack, identity, content)
		}
	}

	for _, extra := range in.Extras {
		content, identity, ok := c.readContextPath(extra)
		if ok {
			add("extra:"+extra, identity, content)
		}
	}

	return sections, labels
}

// detectStacks reports which tech-stack markers are present at the
// root of workingDir, in stackMarkers order, without duplicates.
func (c *Composer) detectStacks(workingDir string) []string {
	var stacks []string
	seen := make(map[string]bool)
	for _, m := range stackMarkers {
		if seen[m.stack] {
			continue
		}
		if _, err := os.Stat(filepath.Join(workingDir, m.marker)); err == nil {
			stacks = append(stacks, m.stack)
			seen[m.stack] = true
		}
	}
	return stacks
}

// readContext loads a named context fragment ("base.md",
// "stacks/go.md", ...) preferring ContextsDir, falling back to the
// embedded default. The returned identity is the value used for
// de-duplication across channels.
func (c *Composer) readContext(name string) (content, identity string, ok bool) {
	if c.ContextsDir != "" {
		path := filepath.Join(c.ContextsDir, name)
		if data, err := os.ReadFile(path); err == nil {
			abs, absErr := filepath.Abs(path)
			if absErr != nil {
				abs = path
			}
			return string(data), abs, true
		}
	}
	data, err := defaultTemplates.ReadFile("templates/contexts/" + name)
	if err != nil {
		return "", "", false
	}
	return string(data), "embed:contexts/" + name, true
}

// readContextPath loads a context fragment addressed by an arbitrary
// path (project-registry entries, caller extras). Missing files are
// skipped, not an error.
func (c *Composer) readContextPath(path string) (content, identity string, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Debug("context file unavailable, skipping: path=%s err=%v", path, err)
		return "", "", false
	}
	abs, absErr := filepath.Abs(path)
	if absErr != nil {
		abs = path
	}
	return string(data), abs, true
}

// composeStoryPrompt builds the base-plus-type-specific story prompt
// with placeholders substituted.
func (c *Composer) composeStoryPrompt(in Input) string {
	base, _, ok := c.readPrompt("base.md")
	if !ok {
		base = fallbackStoryPrompt
	}

	prefix := typePrefix(in.StoryID)
	var typeSpecific string
	if prefix != "" {
		if content, _, ok := c.readPrompt(prefix + ".md"); ok {
			typeSpecific = content
		}
	}

	combined := base
	if typeSpecific != "" {
		combined = base + "\n\n" + typeSpecific
	}

	return substitutePlaceholders(combined, in)
}

func (c *Composer) readPrompt(name string) (content, identity string, ok bool) {
	if c.PromptsDir != "" {
		path := filepath.Join(c.PromptsDir, name)
		if data, err := os.ReadFile(path); err == nil {
			return string(data), path, true
		}
	}
	data, err := defaultTemplates.ReadFile("templates/prompts/" + name)
	if err != nil {
		return "", "", false
	}
	return string(data), "embed:prompts/" + name, true
}

// typePrefix returns the id segment before the first '-'.
func typePrefix(storyID string) string {
	if i := strings.IndexByte(storyID, '-'); i >= 0 {
		return storyID[:i]
	}
	return storyID
}

func substitutePlaceholders(text string, in Input) string {
	replacer := strings.NewReplacer(
		"${MODEL}", in.Model,
		"${PRD_JSON_DIR}", in.BacklogDir,
		"${WORKING_DIR}", in.WorkingDir,
		"${ISO_TIMESTAMP}", time.Now().UTC().Format(time.RFC3339),
		"${STORY_ID}", in.StoryID,
	)
	return replacer.Replace(text)
}

func joinNonEmpty(parts []string, sep string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, sep)
}
