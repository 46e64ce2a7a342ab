package progresslog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultFileName is the progress log kept inside each worktree. Agents
// read it at session start to pick up where the previous loop left off.
const DefaultFileName = "ralph-progress.md"

// DefaultMaxEntries bounds how many per-loop entries the file keeps.
const DefaultMaxEntries = 20

// PatternMarker prefixes a note line that records a reusable codebase
// insight. Marked lines are hoisted into the Codebase Patterns section so
// they survive entry capping.
const PatternMarker = "**Codebase Pattern:**"

// Entry is one appended progress record.
type Entry struct {
	StoryID string
	Step    string
	Passes  bool
	Notes   string
}

// Log appends progress entries to a markdown file with the layout
// header / Codebase Patterns / entries, delimited by "---" lines.
type Log struct {
	path       string
	maxEntries int
	now        func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithMaxEntries overrides the entry cap.
func WithMaxEntries(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxEntries = n
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a Log at path.
func New(path string, opts ...Option) *Log {
	l := &Log{path: path, maxEntries: DefaultMaxEntries, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the file the log writes to.
func (l *Log) Path() string { return l.path }

// Append writes one entry, hoisting any pattern lines from the notes into
// the Codebase Patterns section, and caps older entries.
func (l *Log) Append(entry Entry) error {
	doc, err := l.read()
	if err != nil {
		return err
	}

	for _, pattern := range extractPatterns(entry.Notes) {
		doc.addPattern(pattern)
	}

	doc.entries = append(doc.entries, l.renderEntry(entry))
	if len(doc.entries) > l.maxEntries {
		doc.entries = doc.entries[len(doc.entries)-l.maxEntries:]
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating progress log dir: %w", err)
	}
	if err := os.WriteFile(l.path, []byte(doc.render()), 0644); err != nil {
		return fmt.Errorf("writing progress log: %w", err)
	}
	return nil
}

// Patterns returns the accumulated codebase patterns.
func (l *Log) Patterns() ([]string, error) {
	doc, err := l.read()
	if err != nil {
		return nil, err
	}
	return doc.patterns, nil
}

func (l *Log) read() (*document, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return &document{
			header: fmt.Sprintf("# Ralph Progress Log\nStarted: %s\n", l.now().Format(time.RFC3339)),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress log: %w", err)
	}
	return parse(string(data)), nil
}

func (l *Log) renderEntry(entry Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s %s\n", l.now().Format(time.RFC3339), entry.StoryID)
	if entry.Step != "" {
		fmt.Fprintf(&b, "Step: %s\n", entry.Step)
	}
	fmt.Fprintf(&b, "Passes: %t\n", entry.Passes)
	if notes := strings.TrimSpace(entry.Notes); notes != "" {
		b.WriteString(notes)
		b.WriteString("\n")
	}
	return b.String()
}

// document is the parsed progress file: a header, the pattern section and
// the per-loop entries, each delimited by a "---" line.
type document struct {
	header   string
	patterns []string
	entries  []string
}

func (d *document) addPattern(pattern string) {
	for _, existing := range d.patterns {
		if strings.EqualFold(existing, pattern) {
			return
		}
	}
	d.patterns = append(d.patterns, pattern)
}

func (d *document) render() string {
	var b strings.Builder
	b.WriteString(d.header)
	b.WriteString("---\n")
	b.WriteString("\n## Codebase Patterns\n\n")
	for _, p := range d.patterns {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\n---\n")
	for _, entry := range d.entries {
		b.WriteString(entry)
		b.WriteString("---\n")
	}
	return b.String()
}

func parse(content string) *document {
	sections := splitSections(content)
	doc := &document{}
	if len(sections) > 0 {
		doc.header = sections[0]
	}
	if len(sections) > 1 {
		doc.patterns = parsePatterns(sections[1])
	}
	for _, section := range sections[min(len(sections), 2):] {
		if strings.TrimSpace(section) != "" {
			doc.entries = append(doc.entries, section)
		}
	}
	return doc
}

// splitSections splits on "---" delimiter lines; trailing content after the
// last delimiter counts as a section of its own.
func splitSections(content string) []string {
	var sections []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "---" {
			sections = append(sections, current.String())
			current.Reset()
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if trailing := current.String(); strings.TrimSpace(trailing) != "" {
		sections = append(sections, trailing)
	}
	return sections
}

func parsePatterns(section string) []string {
	var patterns []string
	for _, line := range strings.Split(section, "\n") {
		trimmed := strings.TrimSpace(line)
		if after, found := strings.CutPrefix(trimmed, "- "); found && after != "" {
			patterns = append(patterns, after)
		}
	}
	return patterns
}

// extractPatterns pulls marked lines out of free-text notes.
func extractPatterns(notes string) []string {
	var patterns []string
	for _, line := range strings.Split(notes, "\n") {
		trimmed := strings.TrimSpace(line)
		if after, found := strings.CutPrefix(trimmed, PatternMarker); found {
			if p := strings.TrimSpace(after); p != "" {
				patterns = append(patterns, p)
			}
		}
	}
	return patterns
}
