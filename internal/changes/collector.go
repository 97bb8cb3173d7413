// Package changes builds CodeChange records from a git repository. It is
// integration glue around the scheduling core: the scheduler itself never
// depends on how the change list was produced.
package changes

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/preflight-ci/preflight/api/schemas"
)

// Collector turns the diff between two revisions into a CodeChange list.
type Collector struct {
	log *zap.Logger
}

// NewCollector creates a change collector.
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{log: logger.Named("changes")}
}

// Collect diffs fromRev..toRev in the repository at repoPath and returns one
// CodeChange per touched file. An empty fromRev means the first parent of
// toRev.
func (c *Collector) Collect(ctx context.Context, repoPath, fromRev, toRev string) ([]schemas.CodeChange, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", repoPath, err)
	}

	toCommit, err := resolveCommit(repo, toRev)
	if err != nil {
		return nil, err
	}

	var fromCommit *object.Commit
	if fromRev == "" {
		fromCommit, err = toCommit.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("revision %s has no parent; specify an explicit base revision: %w", toRev, err)
		}
	} else {
		fromCommit, err = resolveCommit(repo, fromRev)
		if err != nil {
			return nil, err
		}
	}

	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree for %s: %w", fromCommit.Hash, err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree for %s: %w", toCommit.Hash, err)
	}

	patch, err := fromTree.PatchContext(ctx, toTree)
	if err != nil {
		return nil, fmt.Errorf("failed to compute patch: %w", err)
	}

	when := toCommit.Author.When
	subject := commitSubject(toCommit.Message)

	var out []schemas.CodeChange
	for _, fp := range patch.FilePatches() {
		from, to := fp.Files()

		path := ""
		if to != nil {
			path = to.Path()
		} else if from != nil {
			path = from.Path()
		}
		if path == "" {
			continue
		}

		var added, removed int
		for _, chunk := range fp.Chunks() {
			lines := strings.Count(chunk.Content(), "\n")
			switch chunk.Type() {
			case diff.Add:
				added += lines
			case diff.Delete:
				removed += lines
			}
		}

		out = append(out, schemas.CodeChange{
			FilePath:     path,
			ChangeType:   Classify(path, toCommit.Message),
			LinesAdded:   added,
			LinesRemoved: removed,
			Description:  subject,
			Revision:     toCommit.Hash.String(),
			Author:       toCommit.Author.Name,
			Timestamp:    &when,
		})
	}

	c.log.Info("Collected changes",
		zap.String("repo", repoPath),
		zap.String("from", fromCommit.Hash.String()),
		zap.String("to", toCommit.Hash.String()),
		zap.Int("files", len(out)))
	return out, nil
}

func resolveCommit(repo *git.Repository, rev string) (*object.Commit, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve revision %q: %w", rev, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", hash, err)
	}
	return commit, nil
}

func commitSubject(message string) string {
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		return strings.TrimSpace(message[:idx])
	}
	return strings.TrimSpace(message)
}

// dependencyManifests are files whose modification means a dependency bump.
var dependencyManifests = map[string]struct{}{
	"go.mod":           {},
	"go.sum":           {},
	"package.json":     {},
	"package-lock.json": {},
	"yarn.lock":        {},
	"requirements.txt": {},
	"pipfile":          {},
	"pipfile.lock":     {},
	"gemfile":          {},
	"gemfile.lock":     {},
	"pom.xml":          {},
	"build.gradle":     {},
	"cargo.toml":       {},
	"cargo.lock":       {},
}

// configExtensions mark configuration files by extension.
var configExtensions = map[string]struct{}{
	".yaml": {},
	".yml":  {},
	".toml": {},
	".ini":  {},
	".env":  {},
	".conf": {},
}

// Classify derives a change kind from the file path and commit message. The
// path wins over the message: a test file is test_only even on a fix commit.
func Classify(path, commitMessage string) schemas.ChangeType {
	base := strings.ToLower(filepath.Base(path))
	ext := filepath.Ext(base)
	lowerPath := strings.ToLower(path)
	msg := strings.ToLower(commitMessage)

	switch {
	case isTestPath(lowerPath, base):
		return schemas.ChangeTestOnly
	case ext == ".md" || ext == ".rst" || ext == ".adoc" || strings.HasPrefix(lowerPath, "docs/"):
		return schemas.ChangeDocs
	case isDependencyManifest(base):
		return schemas.ChangeDependency
	case isConfigPath(base, ext):
		return schemas.ChangeConfig
	case strings.Contains(msg, "hotfix"):
		return schemas.ChangeHotfix
	case strings.Contains(msg, "refactor"):
		return schemas.ChangeRefactor
	case strings.Contains(msg, "fix"):
		return schemas.ChangeBugFix
	default:
		return schemas.ChangeFeature
	}
}

func isTestPath(lowerPath, base string) bool {
	return strings.Contains(base, "_test.") ||
		strings.HasPrefix(base, "test_") ||
		strings.Contains(lowerPath, "/tests/") ||
		strings.HasPrefix(lowerPath, "tests/")
}

func isDependencyManifest(base string) bool {
	_, ok := dependencyManifests[base]
	return ok
}

func isConfigPath(base, ext string) bool {
	if _, ok := configExtensions[ext]; ok {
		return true
	}
	return strings.Contains(base, "config") || strings.Contains(base, "settings")
}
