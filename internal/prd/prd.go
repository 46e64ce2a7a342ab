package prd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the YAML header of a markdown PRD. Resolvers match
// dependency tokens against id, slug, aliases, branch and branchName; the
// reconciler consumes status, mergeSha and executedAt.
type Frontmatter struct {
	ID         string    `yaml:"id"`
	Title      string    `yaml:"title"`
	Slug       string    `yaml:"slug"`
	Aliases    []string  `yaml:"aliases"`
	Branch     string    `yaml:"branch"`
	BranchName string    `yaml:"branchName"`
	Status     string    `yaml:"status"`
	MergeSha   string    `yaml:"mergeSha"`
	ExecutedAt time.Time `yaml:"executedAt"`
	Priority   string    `yaml:"priority"`
}

// Story is a single user story of a PRD.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           int      `json:"priority"`
}

// ParsedPrd is the product-requirements document an execution is created
// from.
type ParsedPrd struct {
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	BranchName   string      `json:"branchName"`
	Priority     string      `json:"priority"`
	UserStories  []Story     `json:"userStories"`
	Dependencies []string    `json:"dependencies"`
	Frontmatter  Frontmatter `json:"-"`
}

// DefaultBranchPrefix namespaces branches generated from PRD titles.
const DefaultBranchPrefix = "ralph/"

// Parse loads a PRD from a JSON or markdown file, detected by extension.
func Parse(path string) (*ParsedPrd, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PRD %s: %w", path, err)
	}

	var p *ParsedPrd
	if strings.EqualFold(filepath.Ext(path), ".json") {
		p, err = parseJSON(data)
	} else {
		p, err = parseMarkdown(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing PRD %s: %w", path, err)
	}

	if p.BranchName == "" {
		p.BranchName = GenerateBranchName(p.Title, DefaultBranchPrefix)
	}
	return p, nil
}

// ReadFrontmatter parses only the YAML header of a markdown PRD. JSON PRDs
// have no frontmatter and yield the zero value.
func ReadFrontmatter(path string) (Frontmatter, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return Frontmatter{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Frontmatter{}, fmt.Errorf("reading PRD %s: %w", path, err)
	}
	fm, _, err := splitFrontmatter(data)
	if err != nil {
		return Frontmatter{}, fmt.Errorf("parsing frontmatter of %s: %w", path, err)
	}
	return fm, nil
}

// jsonPrd is the JSON PRD schema.
type jsonPrd struct {
	Project      string   `json:"project"`
	Title        string   `json:"title"`
	BranchName   string   `json:"branchName"`
	Description  string   `json:"description"`
	Priority     string   `json:"priority"`
	Dependencies []string `json:"dependencies"`
	UserStories  []Story  `json:"userStories"`
}

func parseJSON(data []byte) (*ParsedPrd, error) {
	var doc jsonPrd
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	title := doc.Title
	if title == "" {
		title = doc.Project
	}
	return &ParsedPrd{
		Title:        title,
		Description:  doc.Description,
		BranchName:   doc.BranchName,
		Priority:     doc.Priority,
		UserStories:  doc.UserStories,
		Dependencies: doc.Dependencies,
	}, nil
}

var (
	storyHeading = regexp.MustCompile(`^###\s+(US-\d+)\s*:?\s*(.*)$`)
	acBullet     = regexp.MustCompile(`^-\s*(?:\[[ xX]?\]\s*)?(.+)$`)
)

// parseMarkdown extracts frontmatter, title, description, stories and
// dependencies from a markdown PRD. Stories are "### US-NNN: Title" sections;
// their bullet lines become acceptance criteria. Bullets under a
// "## Dependencies" heading become dependency tokens.
func parseMarkdown(data []byte) (*ParsedPrd, error) {
	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	p := &ParsedPrd{
		Frontmatter: fm,
		Priority:    fm.Priority,
		BranchName:  firstNonEmpty(fm.Branch, fm.BranchName),
	}

	var (
		current      *Story
		inDeps       bool
		descLines    []string
		titleSeen    bool
		descComplete bool
	)
	flush := func() {
		if current != nil {
			p.UserStories = append(p.UserStories, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "# ") && !titleSeen:
			p.Title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			titleSeen = true
			continue
		case storyHeading.MatchString(trimmed):
			flush()
			inDeps = false
			descComplete = true
			m := storyHeading.FindStringSubmatch(trimmed)
			current = &Story{
				ID:       m[1],
				Title:    strings.TrimSpace(m[2]),
				Priority: len(p.UserStories) + 1,
			}
			continue
		case strings.HasPrefix(trimmed, "## "):
			flush()
			descComplete = true
			inDeps = strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")), "dependencies")
			continue
		}

		if bullet := acBullet.FindStringSubmatch(trimmed); bullet != nil {
			switch {
			case inDeps:
				p.Dependencies = append(p.Dependencies, strings.TrimSpace(bullet[1]))
			case current != nil:
				current.AcceptanceCriteria = append(current.AcceptanceCriteria, strings.TrimSpace(bullet[1]))
			}
			continue
		}

		if current != nil && trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			if current.Description == "" {
				current.Description = trimmed
			} else {
				current.Description += " " + trimmed
			}
			continue
		}

		if titleSeen && !descComplete && trimmed != "" {
			descLines = append(descLines, trimmed)
		}
	}
	flush()

	p.Description = strings.Join(descLines, " ")
	if !titleSeen {
		return nil, fmt.Errorf("markdown PRD has no title heading")
	}
	return p, nil
}

// splitFrontmatter separates a leading "---" YAML block from the body.
// Documents without frontmatter yield the zero value and the full body.
func splitFrontmatter(data []byte) (Frontmatter, string, error) {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") {
		return Frontmatter{}, content, nil
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return Frontmatter{}, content, nil
	}
	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return Frontmatter{}, "", err
	}
	body := rest[end+len("\n---"):]
	return fm, strings.TrimPrefix(body, "\n"), nil
}

var slugCleanup = regexp.MustCompile(`[^a-z0-9]+`)

// GenerateBranchName slugifies a PRD title into a branch under the given
// prefix.
func GenerateBranchName(title, prefix string) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = slugCleanup.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "prd"
	}
	return prefix + slug
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
