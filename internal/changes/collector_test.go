package changes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/preflight-ci/preflight/api/schemas"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		message string
		want    schemas.ChangeType
	}{
		{"go test file", "internal/catalog/catalog_test.go", "fix: races", schemas.ChangeTestOnly},
		{"python test prefix", "tests/test_billing.py", "add coverage", schemas.ChangeTestOnly},
		{"tests directory", "pkg/tests/helper.go", "add helper", schemas.ChangeTestOnly},
		{"markdown", "README.md", "feat: new section", schemas.ChangeDocs},
		{"docs directory", "docs/setup.txt", "update setup", schemas.ChangeDocs},
		{"go.mod bump", "go.mod", "bump deps", schemas.ChangeDependency},
		{"lockfile bump", "web/package-lock.json", "bump deps", schemas.ChangeDependency},
		{"yaml config", "deploy/values.yaml", "tune limits", schemas.ChangeConfig},
		{"settings by name", "app/settings.go", "tweak flags", schemas.ChangeConfig},
		{"hotfix message", "internal/billing/invoice.go", "HOTFIX: rounding error", schemas.ChangeHotfix},
		{"refactor message", "internal/billing/invoice.go", "refactor invoice builder", schemas.ChangeRefactor},
		{"fix message", "internal/billing/invoice.go", "fix rounding error", schemas.ChangeBugFix},
		{"default is feature", "internal/billing/invoice.go", "add proration", schemas.ChangeFeature},
		{"test path wins over fix message", "internal/billing/invoice_test.go", "fix rounding error", schemas.ChangeTestOnly},
		{"hotfix outranks fix", "internal/billing/invoice.go", "hotfix for the fix", schemas.ChangeHotfix},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.path, tc.message))
		})
	}
}

// commitFiles writes the given files and commits them, returning the hash.
func commitFiles(t *testing.T, dir string, wt *git.Worktree, message string, files map[string]string) plumbing.Hash {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "ci-bot",
			Email: "ci@example.com",
			When:  time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	return hash
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	first := commitFiles(t, dir, wt, "initial import", map[string]string{
		"billing/invoice.go": "package billing\n\nfunc Total() int { return 1 }\n",
	})
	commitFiles(t, dir, wt, "fix rounding in invoice totals\n\nlonger body here", map[string]string{
		"billing/invoice.go":      "package billing\n\nfunc Total() int { return 2 }\n",
		"billing/invoice_test.go": "package billing\n\nimport \"testing\"\n\nfunc TestTotal(t *testing.T) {}\n",
	})

	collector := NewCollector(zap.NewNop())

	t.Run("diffs HEAD against its parent by default", func(t *testing.T) {
		got, err := collector.Collect(context.Background(), dir, "", "HEAD")
		require.NoError(t, err)
		require.Len(t, got, 2)

		byPath := make(map[string]schemas.CodeChange, len(got))
		for _, c := range got {
			byPath[c.FilePath] = c
		}

		invoice, ok := byPath["billing/invoice.go"]
		require.True(t, ok)
		assert.Equal(t, schemas.ChangeBugFix, invoice.ChangeType)
		assert.Equal(t, 1, invoice.LinesAdded)
		assert.Equal(t, 1, invoice.LinesRemoved)
		assert.Equal(t, "fix rounding in invoice totals", invoice.Description)
		assert.Equal(t, "ci-bot", invoice.Author)
		assert.NotEmpty(t, invoice.Revision)
		require.NotNil(t, invoice.Timestamp)

		test, ok := byPath["billing/invoice_test.go"]
		require.True(t, ok)
		assert.Equal(t, schemas.ChangeTestOnly, test.ChangeType)
		assert.Equal(t, 5, test.LinesAdded)
		assert.Zero(t, test.LinesRemoved)
	})

	t.Run("accepts an explicit base revision", func(t *testing.T) {
		got, err := collector.Collect(context.Background(), dir, first.String(), "HEAD")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("rejects a root commit without an explicit base", func(t *testing.T) {
		_, err := collector.Collect(context.Background(), dir, "", first.String())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no parent")
	})

	t.Run("unknown revisions fail", func(t *testing.T) {
		_, err := collector.Collect(context.Background(), dir, "", "does-not-exist")
		require.Error(t, err)
	})

	t.Run("a missing repository fails", func(t *testing.T) {
		_, err := collector.Collect(context.Background(), t.TempDir(), "", "HEAD")
		require.Error(t, err)
	})
}
