// Package catalog is the persistent test inventory: descriptors keyed by id,
// a reverse index from source files to the tests that exercise them, and the
// rolling execution metrics fed back after each run.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/preflight-ci/preflight/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fileFormat is the on-disk shape of the catalog. The file is rewritten
// wholesale on every mutation; there are no partial writes.
type fileFormat struct {
	Tests       map[string]schemas.TestDescriptor `json:"tests"`
	FileToTests map[string][]string               `json:"file_to_tests"`
}

// Catalog is the concrete schemas.Catalog backed by a JSON file. It is shared
// mutable state across scheduling runs and the metrics feedback path, so all
// access goes through the embedded lock.
type Catalog struct {
	mu    sync.RWMutex
	path  string
	tests map[string]schemas.TestDescriptor
	// fileIndex maps a dependency path to the ids of tests declaring it.
	fileIndex map[string][]string
	log       *zap.Logger

	now func() time.Time
}

// New loads the catalog from path. A missing or unparseable file yields an
// empty catalog with a logged warning; it is never a construction error, and
// the next mutation rewrites the file normally.
func New(path string, logger *zap.Logger) *Catalog {
	c := &Catalog{
		path:      path,
		tests:     make(map[string]schemas.TestDescriptor),
		fileIndex: make(map[string][]string),
		log:       logger.Named("catalog"),
		now:       time.Now,
	}
	c.load()
	return c
}

func (c *Catalog) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.log.Warn("Catalog file not found; starting with an empty catalog",
				zap.String("path", c.path))
		} else {
			c.log.Warn("Failed to read catalog file; starting with an empty catalog",
				zap.String("path", c.path), zap.Error(err))
		}
		return
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		c.log.Warn("Catalog file is corrupt; starting with an empty catalog",
			zap.String("path", c.path), zap.Error(err))
		return
	}

	for id, t := range ff.Tests {
		if t.ID == "" {
			t.ID = id
		}
		c.tests[t.ID] = t
	}
	c.rebuildIndex()
	c.log.Info("Catalog loaded",
		zap.String("path", c.path), zap.Int("tests", len(c.tests)))
}

// rebuildIndex derives the reverse index from declared dependencies. The
// index is always recomputed from the descriptors so the two can never drift.
// Callers must hold the write lock.
func (c *Catalog) rebuildIndex() {
	c.fileIndex = make(map[string][]string)
	for _, t := range c.tests {
		for _, dep := range t.Dependencies {
			c.fileIndex[dep] = append(c.fileIndex[dep], t.ID)
		}
	}
	for dep := range c.fileIndex {
		sort.Strings(c.fileIndex[dep])
	}
}

// persist rewrites the whole catalog file. Callers must hold the write lock.
func (c *Catalog) persist() error {
	ff := fileFormat{Tests: c.tests, FileToTests: c.fileIndex}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp catalog file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close catalog file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace catalog file: %w", err)
	}
	return nil
}

// AddOrUpdateTest upserts a descriptor by id, re-indexes its dependencies and
// rewrites the catalog file.
func (c *Catalog) AddOrUpdateTest(t schemas.TestDescriptor) error {
	if t.ID == "" {
		return fmt.Errorf("test descriptor is missing an id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tests[t.ID] = t
	c.rebuildIndex()
	if err := c.persist(); err != nil {
		c.log.Error("Failed to persist catalog", zap.String("test_id", t.ID), zap.Error(err))
		return err
	}
	return nil
}

// Get returns a descriptor by id.
func (c *Catalog) Get(id string) (schemas.TestDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tests[id]
	return t, ok
}

// All returns every catalogued test, ordered by id for deterministic output.
func (c *Catalog) All() []schemas.TestDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked(func(schemas.TestDescriptor) bool { return true })
}

// Len returns the number of catalogued tests.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tests)
}

// TestsForFiles returns tests whose declared dependencies match any of the
// given paths, either exactly or by relatedness: same directory, or same base
// name once a "test" prefix or suffix is stripped.
func (c *Catalog) TestsForFiles(paths []string) []schemas.TestDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked(func(t schemas.TestDescriptor) bool {
		for _, dep := range t.Dependencies {
			for _, p := range paths {
				if dep == p || relatedPaths(dep, p) {
					return true
				}
			}
		}
		return false
	})
}

// TestsByType returns all tests of the given type.
func (c *Catalog) TestsByType(kind schemas.TestType) []schemas.TestDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked(func(t schemas.TestDescriptor) bool { return t.TestType == kind })
}

// TestsByPriority returns all tests with the given priority.
func (c *Catalog) TestsByPriority(p schemas.Priority) []schemas.TestDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked(func(t schemas.TestDescriptor) bool { return t.Priority == p })
}

// sortedLocked collects matching descriptors ordered by id. Callers must hold
// at least the read lock.
func (c *Catalog) sortedLocked(match func(schemas.TestDescriptor) bool) []schemas.TestDescriptor {
	out := make([]schemas.TestDescriptor, 0)
	for _, t := range c.tests {
		if match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateMetrics folds one observed run into a test's rolling metrics and
// rewrites the catalog file. Nil arguments leave the corresponding metric
// untouched.
func (c *Catalog) UpdateMetrics(id string, execTime *float64, success *bool, flakiness *float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tests[id]
	if !ok {
		return fmt.Errorf("unknown test id %q", id)
	}

	if execTime != nil {
		if t.ExecutionTime == 0 {
			t.ExecutionTime = *execTime
		} else {
			// Two-point rolling average with the previous value.
			t.ExecutionTime = (t.ExecutionTime + *execTime) / 2
		}
	}

	if success != nil {
		t.TotalRuns++
		if *success {
			t.SuccessfulRuns++
		} else {
			t.FailureCount++
			failedAt := c.now()
			t.LastFailure = &failedAt
		}
		t.SuccessRate = float64(t.SuccessfulRuns) / float64(t.TotalRuns)
	}

	if flakiness != nil {
		f := *flakiness
		if f < 0 {
			f = 0
		} else if f > 1 {
			f = 1
		}
		t.FlakinessScore = f
	}

	c.tests[id] = t
	if err := c.persist(); err != nil {
		c.log.Error("Failed to persist catalog after metrics update",
			zap.String("test_id", id), zap.Error(err))
		return err
	}
	return nil
}

// Close flushes the catalog to disk a final time.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persist()
}

// relatedPaths reports whether two file paths are close enough that a test
// depending on one is assumed relevant to the other: same directory, or the
// same base name modulo a "test" prefix/suffix and extension.
func relatedPaths(a, b string) bool {
	if filepath.Dir(a) == filepath.Dir(b) {
		return true
	}
	return stripTestAffixes(a) == stripTestAffixes(b)
}

// stripTestAffixes reduces a path to its bare base name with any test
// prefix/suffix removed, e.g. "pkg/foo_test.go" and "other/test_foo.py" both
// reduce to "foo".
func stripTestAffixes(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	lower := strings.ToLower(base)

	for _, prefix := range []string{"test_", "test"} {
		if strings.HasPrefix(lower, prefix) && len(base) > len(prefix) {
			base = base[len(prefix):]
			lower = lower[len(prefix):]
			break
		}
	}
	for _, suffix := range []string{"_test", "test"} {
		if strings.HasSuffix(lower, suffix) && len(base) > len(suffix) {
			base = base[:len(base)-len(suffix)]
			break
		}
	}
	return strings.ToLower(base)
}
