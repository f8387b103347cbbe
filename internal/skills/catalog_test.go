package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
)

func writeSkill(t *testing.T, root, category, id, content string) {
	t.Helper()
	dir := filepath.Join(root, "predefined", category)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".md"), []byte(content), 0o644))
}

func TestLoadCatalog(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "languages", "go", "## Go Review Skills\n\nPrefer early returns.")
	writeSkill(t, root, "languages", "python", "no heading here")
	writeSkill(t, root, "testing", "tables", "## Table Tests\n\nUse table-driven tests.")

	catalog, err := Load(root, logger.Default())
	require.NoError(t, err)

	langs := catalog.Category("languages")
	require.Len(t, langs, 2)
	assert.Equal(t, "go", langs[0].ID)
	assert.Equal(t, "Go Review Skills", langs[0].Name)
	// Files without a heading fall back to the id.
	assert.Equal(t, "python", langs[1].Name)

	assert.Len(t, catalog.All(), 3)
	assert.Empty(t, catalog.Category("frameworks"))
}

func TestLoadMissingRoot(t *testing.T) {
	catalog, err := Load(filepath.Join(t.TempDir(), "nope"), logger.Default())
	require.NoError(t, err)
	assert.Empty(t, catalog.All())
}

func TestPromptTextGroupsByCategory(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "languages", "go", "## Go\n\nBody A")
	writeSkill(t, root, "infra", "docker", "## Docker\n\nBody B")

	catalog, err := Load(root, logger.Default())
	require.NoError(t, err)

	text := catalog.PromptText()
	assert.Contains(t, text, "## Languages")
	assert.Contains(t, text, "## Infra")
	assert.Contains(t, text, "Body A")
	// Category order is fixed, languages before infra.
	assert.Less(t, strings.Index(text, "Body A"), strings.Index(text, "Body B"))
}
