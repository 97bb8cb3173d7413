package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/preflight-ci/preflight/api/schemas"
)

func tempCatalogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "catalog.json")
}

func descriptor(id string, deps ...string) schemas.TestDescriptor {
	return schemas.TestDescriptor{
		ID:           id,
		Name:         "Test " + id,
		FilePath:     "tests/" + id + "_test.go",
		TestType:     schemas.TestUnit,
		Dependencies: deps,
		Priority:     schemas.PriorityMedium,
		SuccessRate:  1.0,
	}
}

func TestNew(t *testing.T) {
	t.Run("missing file yields an empty catalog with a warning", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		c := New(tempCatalogPath(t), zap.New(core))

		assert.Zero(t, c.Len())
		assert.Len(t, logs.FilterMessage("Catalog file not found; starting with an empty catalog").All(), 1)
	})

	t.Run("corrupt file yields an empty catalog with a warning", func(t *testing.T) {
		path := tempCatalogPath(t)
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		core, logs := observer.New(zapcore.WarnLevel)
		c := New(path, zap.New(core))

		assert.Zero(t, c.Len())
		assert.Len(t, logs.FilterMessage("Catalog file is corrupt; starting with an empty catalog").All(), 1)
	})

	t.Run("a corrupt file does not block subsequent writes", func(t *testing.T) {
		path := tempCatalogPath(t)
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

		c := New(path, zap.NewNop())
		require.NoError(t, c.AddOrUpdateTest(descriptor("t1", "pkg/a.go")))

		reloaded := New(path, zap.NewNop())
		assert.Equal(t, 1, reloaded.Len())
	})
}

func TestRoundTrip(t *testing.T) {
	path := tempCatalogPath(t)
	c := New(path, zap.NewNop())

	failed := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	full := schemas.TestDescriptor{
		ID:             "t-full",
		Name:           "Full descriptor",
		FilePath:       "tests/integration/payments_test.go",
		TestType:       schemas.TestIntegration,
		Dependencies:   []string{"payments/charge.go", "payments/refund.go"},
		ExecutionTime:  42.5,
		SuccessRate:    0.9,
		LastFailure:    &failed,
		FailureCount:   3,
		TotalRuns:      30,
		SuccessfulRuns: 27,
		FlakinessScore: 0.1,
		Priority:       schemas.PriorityHigh,
		Tags:           []string{"payments", "Database"},
		CoverageAreas:  []string{"critical_business", "database"},
		Metadata:       map[string]string{"owner": "payments-team"},
	}
	require.NoError(t, c.AddOrUpdateTest(full))
	require.NoError(t, c.AddOrUpdateTest(descriptor("t-unit", "payments/charge.go")))

	reloaded := New(path, zap.NewNop())
	assert.Equal(t, 2, reloaded.Len())

	got, ok := reloaded.Get("t-full")
	require.True(t, ok)
	if diff := cmp.Diff(full, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("descriptor mismatch after reload (-want +got):\n%s", diff)
	}

	// The reverse index must be equivalent too.
	assert.Equal(t, c.fileIndex, reloaded.fileIndex)
	assert.ElementsMatch(t, []string{"t-full", "t-unit"}, reloaded.fileIndex["payments/charge.go"])
}

func TestAddOrUpdateTest(t *testing.T) {
	c := New(tempCatalogPath(t), zap.NewNop())

	t.Run("rejects a descriptor without an id", func(t *testing.T) {
		assert.Error(t, c.AddOrUpdateTest(schemas.TestDescriptor{}))
	})

	t.Run("upsert replaces dependencies in the reverse index", func(t *testing.T) {
		require.NoError(t, c.AddOrUpdateTest(descriptor("t1", "pkg/a.go")))
		require.NoError(t, c.AddOrUpdateTest(descriptor("t1", "pkg/b.go")))

		assert.Empty(t, c.fileIndex["pkg/a.go"])
		assert.Equal(t, []string{"t1"}, c.fileIndex["pkg/b.go"])
		assert.Equal(t, 1, c.Len())
	})
}

func TestQueries(t *testing.T) {
	c := New(tempCatalogPath(t), zap.NewNop())

	unit := descriptor("unit-1", "pkg/handler.go")
	integration := descriptor("int-1", "pkg/store/store.go")
	integration.TestType = schemas.TestIntegration
	integration.Priority = schemas.PriorityCritical
	require.NoError(t, c.AddOrUpdateTest(unit))
	require.NoError(t, c.AddOrUpdateTest(integration))

	t.Run("by type", func(t *testing.T) {
		got := c.TestsByType(schemas.TestIntegration)
		require.Len(t, got, 1)
		assert.Equal(t, "int-1", got[0].ID)
	})

	t.Run("by priority", func(t *testing.T) {
		got := c.TestsByPriority(schemas.PriorityCritical)
		require.Len(t, got, 1)
		assert.Equal(t, "int-1", got[0].ID)
	})

	t.Run("all is ordered by id", func(t *testing.T) {
		got := c.All()
		require.Len(t, got, 2)
		assert.Equal(t, "int-1", got[0].ID)
		assert.Equal(t, "unit-1", got[1].ID)
	})
}

func TestTestsForFiles(t *testing.T) {
	c := New(tempCatalogPath(t), zap.NewNop())
	require.NoError(t, c.AddOrUpdateTest(descriptor("exact", "payments/charge.go")))
	require.NoError(t, c.AddOrUpdateTest(descriptor("sibling", "payments/refund.go")))
	require.NoError(t, c.AddOrUpdateTest(descriptor("testfile", "tests/test_charge.py")))
	require.NoError(t, c.AddOrUpdateTest(descriptor("unrelated", "auth/login.go")))

	got := c.TestsForFiles([]string{"payments/charge.go"})
	ids := make([]string, 0, len(got))
	for _, d := range got {
		ids = append(ids, d.ID)
	}

	// exact: direct dependency match; sibling: same directory;
	// testfile: "test_charge" strips to "charge".
	assert.ElementsMatch(t, []string{"exact", "sibling", "testfile"}, ids)
}

func TestStripTestAffixes(t *testing.T) {
	cases := map[string]string{
		"pkg/foo_test.go":    "foo",
		"tests/test_foo.py":  "foo",
		"tests/FooTest.java": "foo",
		"pkg/foo.go":         "foo",
		"pkg/bar.go":         "bar",
	}
	for in, want := range cases {
		assert.Equal(t, want, stripTestAffixes(in), in)
	}
}

func TestUpdateMetrics(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	newCat := func(t *testing.T) *Catalog {
		c := New(tempCatalogPath(t), zap.NewNop())
		c.now = func() time.Time { return now }
		require.NoError(t, c.AddOrUpdateTest(descriptor("t1", "pkg/a.go")))
		return c
	}

	t.Run("unknown id is an error", func(t *testing.T) {
		c := newCat(t)
		assert.Error(t, c.UpdateMetrics("missing", nil, nil, nil))
	})

	t.Run("execution time is set then rolled as a two-point average", func(t *testing.T) {
		c := newCat(t)

		first := 10.0
		require.NoError(t, c.UpdateMetrics("t1", &first, nil, nil))
		got, _ := c.Get("t1")
		assert.Equal(t, 10.0, got.ExecutionTime)

		second := 20.0
		require.NoError(t, c.UpdateMetrics("t1", &second, nil, nil))
		got, _ = c.Get("t1")
		assert.Equal(t, 15.0, got.ExecutionTime)
	})

	t.Run("success rate is cumulative over recorded runs", func(t *testing.T) {
		c := newCat(t)

		pass, fail := true, false
		require.NoError(t, c.UpdateMetrics("t1", nil, &pass, nil))
		require.NoError(t, c.UpdateMetrics("t1", nil, &pass, nil))
		require.NoError(t, c.UpdateMetrics("t1", nil, &fail, nil))
		require.NoError(t, c.UpdateMetrics("t1", nil, &pass, nil))

		got, _ := c.Get("t1")
		assert.Equal(t, 4, got.TotalRuns)
		assert.Equal(t, 3, got.SuccessfulRuns)
		assert.InDelta(t, 0.75, got.SuccessRate, 1e-9)
		assert.Equal(t, 1, got.FailureCount)
		require.NotNil(t, got.LastFailure)
		assert.Equal(t, now, *got.LastFailure)
	})

	t.Run("flakiness is clamped into the unit interval", func(t *testing.T) {
		c := newCat(t)

		over := 1.5
		require.NoError(t, c.UpdateMetrics("t1", nil, nil, &over))
		got, _ := c.Get("t1")
		assert.Equal(t, 1.0, got.FlakinessScore)
	})

	t.Run("updates survive a reload", func(t *testing.T) {
		path := tempCatalogPath(t)
		c := New(path, zap.NewNop())
		require.NoError(t, c.AddOrUpdateTest(descriptor("t1", "pkg/a.go")))

		dur := 7.0
		pass := true
		require.NoError(t, c.UpdateMetrics("t1", &dur, &pass, nil))

		reloaded := New(path, zap.NewNop())
		got, ok := reloaded.Get("t1")
		require.True(t, ok)
		assert.Equal(t, 7.0, got.ExecutionTime)
		assert.Equal(t, 1, got.TotalRuns)
	})
}
