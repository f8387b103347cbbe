// Package skills loads the predefined review-skill catalog from disk.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
)

// Categories is the fixed set of predefined skill groups, in prompt order.
var Categories = []string{"languages", "frameworks", "patterns", "testing", "infra"}

// Skill is one predefined review skill.
type Skill struct {
	ID       string
	Category string
	Name     string
	Content  string
}

// Catalog is the eagerly loaded, immutable skill set.
type Catalog struct {
	byCategory map[string][]Skill
}

// Load reads every `<root>/predefined/<category>/<id>.md` once. Unreadable
// files are logged and skipped; a missing category directory is fine.
func Load(root string, log *logger.Logger) (*Catalog, error) {
	byCategory := make(map[string][]Skill, len(Categories))

	for _, category := range Categories {
		dir := filepath.Join(root, "predefined", category)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read skills category %s: %w", category, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				log.Warn("skipping unreadable skill file",
					zap.String("category", category),
					zap.String("file", entry.Name()),
					zap.Error(err))
				continue
			}
			id := strings.TrimSuffix(entry.Name(), ".md")
			byCategory[category] = append(byCategory[category], Skill{
				ID:       id,
				Category: category,
				Name:     displayName(string(content), id),
				Content:  string(content),
			})
		}
		sort.Slice(byCategory[category], func(i, j int) bool {
			return byCategory[category][i].ID < byCategory[category][j].ID
		})
	}

	return &Catalog{byCategory: byCategory}, nil
}

// displayName is the first `## ` heading, falling back to the file id.
func displayName(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "## ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "## "))
		}
	}
	return fallback
}

// Category returns the skills in one category.
func (c *Catalog) Category(name string) []Skill {
	return c.byCategory[name]
}

// All returns every skill grouped in category order.
func (c *Catalog) All() []Skill {
	var all []Skill
	for _, category := range Categories {
		all = append(all, c.byCategory[category]...)
	}
	return all
}

// PromptText concatenates all skills grouped by category for the review
// system prompt.
func (c *Catalog) PromptText() string {
	var sb strings.Builder
	for _, category := range Categories {
		group := c.byCategory[category]
		if len(group) == 0 {
			continue
		}
		sb.WriteString("## " + strings.ToUpper(category[:1]) + category[1:] + "\n\n")
		for _, s := range group {
			sb.WriteString(s.Content)
			if !strings.HasSuffix(s.Content, "\n") {
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
