package analyzer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/preflight-ci/preflight/api/schemas"
	"github.com/preflight-ci/preflight/internal/config"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	return New(config.NewDefaultConfig().Analyzer, DefaultAreaRules(), zap.NewNop())
}

func TestRiskLevelThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  schemas.RiskLevel
	}{
		{0.0, schemas.RiskMinimal},
		{0.19, schemas.RiskMinimal},
		{0.2, schemas.RiskLow},
		{0.39, schemas.RiskLow},
		{0.4, schemas.RiskMedium},
		{0.55, schemas.RiskMedium},
		{0.6, schemas.RiskHigh},
		{0.79, schemas.RiskHigh},
		{0.8, schemas.RiskCritical},
		{0.85, schemas.RiskCritical},
		{1.0, schemas.RiskCritical},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("score_%.2f", tc.score), func(t *testing.T) {
			assert.Equal(t, tc.want, schemas.RiskLevelFromScore(tc.score))
		})
	}
}

func TestAnalyze(t *testing.T) {
	a := newTestAnalyzer(t)

	t.Run("score is always clamped to the unit interval", func(t *testing.T) {
		content := "payment database auth api config webhook pipeline file upload"
		change := schemas.CodeChange{
			FilePath:         "core/production/config/main.go",
			ChangeType:       schemas.ChangeHotfix,
			LinesAdded:       500,
			FunctionsChanged: []string{"a", "b", "c", "d", "e", "f", "g"},
			ClassesChanged:   []string{"A", "B", "C"},
		}
		got := a.Analyze(change, &content)
		assert.Equal(t, 1.0, got.RiskScore)
		assert.Equal(t, schemas.RiskCritical, got.RiskLevel)
	})

	t.Run("bug fix to a payments file assesses high with the expected areas", func(t *testing.T) {
		content := "func Charge() { // talks to the payment gateway and the database }"
		change := schemas.CodeChange{
			FilePath:   "payments/charge.go",
			ChangeType: schemas.ChangeBugFix,
			LinesAdded: 120,
		}
		got := a.Analyze(change, &content)

		// size 0.3 + kind 0.2 + two content matches 0.2 = at least 0.7.
		assert.GreaterOrEqual(t, got.RiskScore, 0.7)
		assert.Equal(t, schemas.RiskHigh, got.RiskLevel)
		assert.Contains(t, got.ImpactedAreas, "critical_business")
		assert.Contains(t, got.ImpactedAreas, "database")
		assert.NotEmpty(t, got.FailureScenarios)
	})

	t.Run("missing file content skips content signals without error", func(t *testing.T) {
		change := schemas.CodeChange{
			FilePath:   "payments/charge.go",
			ChangeType: schemas.ChangeBugFix,
			LinesAdded: 120,
		}
		got := a.Analyze(change, nil)
		assert.InDelta(t, 0.5, got.RiskScore, 1e-9) // size 0.3 + kind 0.2
		assert.Empty(t, got.ImpactedAreas)
	})

	t.Run("path signals add critical and config weight", func(t *testing.T) {
		got := a.Analyze(schemas.CodeChange{FilePath: "core/settings/env.go"}, nil)
		// critical token 0.2 + config token 0.15.
		assert.InDelta(t, 0.35, got.RiskScore, 1e-9)
	})

	t.Run("breadth signals trigger above the configured counts", func(t *testing.T) {
		change := schemas.CodeChange{
			FilePath:         "pkg/widgets/render.go",
			FunctionsChanged: []string{"a", "b", "c", "d", "e", "f"},
			ClassesChanged:   []string{"A", "B", "C"},
		}
		got := a.Analyze(change, nil)
		assert.InDelta(t, 0.25, got.RiskScore, 1e-9)

		atLimit := schemas.CodeChange{
			FilePath:         "pkg/widgets/render.go",
			FunctionsChanged: []string{"a", "b", "c", "d", "e"},
			ClassesChanged:   []string{"A", "B"},
		}
		assert.Zero(t, a.Analyze(atLimit, nil).RiskScore)
	})

	t.Run("reasoning names the level, signals and areas", func(t *testing.T) {
		content := "database transaction"
		change := schemas.CodeChange{
			FilePath:   "store/writer.go",
			ChangeType: schemas.ChangeRefactor,
			LinesAdded: 60,
		}
		got := a.Analyze(change, &content)
		assert.Contains(t, got.Reasoning, string(got.RiskLevel))
		assert.Contains(t, got.Reasoning, "medium change")
		assert.Contains(t, got.Reasoning, "database")
	})

	t.Run("confidence is the configured base without enrichment", func(t *testing.T) {
		got := a.Analyze(schemas.CodeChange{FilePath: "x.go"}, nil)
		assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	})

	t.Run("content matched twice in one area counts once", func(t *testing.T) {
		content := "select ... insert ... update ... database"
		got := a.Analyze(schemas.CodeChange{FilePath: "x.go"}, &content)
		assert.InDelta(t, 0.1, got.RiskScore, 1e-9)
		assert.Equal(t, []string{"database"}, got.ImpactedAreas)
	})
}

func TestNewDropsInvalidPatterns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	rules := []AreaRule{
		{Area: "broken", Patterns: []string{"("}},
		{Area: "database", Patterns: []string{`(?i)\bdatabase\b`}, FailureScenarios: []string{"x"}},
	}
	a := New(config.NewDefaultConfig().Analyzer, rules, logger)
	require.Len(t, a.rules, 1)
	assert.Equal(t, "database", a.rules[0].area)

	entries := logs.FilterMessage("Dropping invalid area pattern").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "broken", entries[0].ContextMap()["area"])
}
