// Package analyzer scores individual code changes for risk. Analysis is a
// pure function of the change and optional file content; missing content
// skips the content-based signals rather than failing.
package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/preflight-ci/preflight/api/schemas"
	"github.com/preflight-ci/preflight/internal/config"
)

// compiledRule is an AreaRule with its patterns compiled once at construction.
type compiledRule struct {
	area             string
	patterns         []*regexp.Regexp
	failureScenarios []string
}

// Analyzer computes a RiskAssessment for a single CodeChange.
type Analyzer struct {
	cfg   config.AnalyzerConfig
	rules []compiledRule
	log   *zap.Logger
}

// New builds an analyzer from the given weights and area rule table. Rules
// with invalid patterns are kept with the bad pattern dropped and a warning
// logged; an empty rule table disables the content signal entirely.
func New(cfg config.AnalyzerConfig, rules []AreaRule, logger *zap.Logger) *Analyzer {
	log := logger.Named("analyzer")

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{area: r.Area, failureScenarios: r.FailureScenarios}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				log.Warn("Dropping invalid area pattern",
					zap.String("area", r.Area),
					zap.String("pattern", p),
					zap.Error(err))
				continue
			}
			cr.patterns = append(cr.patterns, re)
		}
		if len(cr.patterns) > 0 {
			compiled = append(compiled, cr)
		}
	}

	return &Analyzer{cfg: cfg, rules: compiled, log: log}
}

// Analyze scores one change. fileContent is optional; when nil the
// content-based area signal is skipped.
func (a *Analyzer) Analyze(change schemas.CodeChange, fileContent *string) schemas.RiskAssessment {
	var (
		score   float64
		signals []string
		areas   []string
		modes   []string
	)

	// Size signal.
	total := change.TotalLines()
	if total > a.cfg.SizeLargeLines {
		score += a.cfg.SizeLargeWeight
		signals = append(signals, fmt.Sprintf("large change (%d lines)", total))
	} else if total > a.cfg.SizeMediumLines {
		score += a.cfg.SizeMediumWeight
		signals = append(signals, fmt.Sprintf("medium change (%d lines)", total))
	}

	// Change-kind signal.
	if w, ok := a.cfg.ChangeTypeWeights[string(change.ChangeType)]; ok {
		score += w
		signals = append(signals, fmt.Sprintf("change type %q", change.ChangeType))
	}

	// Content signal: one hit per area, regardless of how many of the
	// area's patterns match.
	if fileContent != nil {
		for _, rule := range a.rules {
			if matchesAny(rule.patterns, *fileContent) {
				score += a.cfg.ContentMatchWeight
				areas = append(areas, rule.area)
				modes = append(modes, rule.failureScenarios...)
				signals = append(signals, fmt.Sprintf("content touches %s", rule.area))
			}
		}
	}

	// Path signal.
	lowerPath := strings.ToLower(change.FilePath)
	if containsAny(lowerPath, a.cfg.CriticalPathTokens) {
		score += a.cfg.CriticalPathWeight
		signals = append(signals, "critical path location")
	}
	if containsAny(lowerPath, a.cfg.ConfigPathTokens) {
		score += a.cfg.ConfigPathWeight
		signals = append(signals, "configuration path location")
	}

	// Breadth signal.
	if len(change.FunctionsChanged) > a.cfg.FunctionBreadthCount {
		score += a.cfg.FunctionBreadthWeight
		signals = append(signals, fmt.Sprintf("%d functions touched", len(change.FunctionsChanged)))
	}
	if len(change.ClassesChanged) > a.cfg.ClassBreadthCount {
		score += a.cfg.ClassBreadthWeight
		signals = append(signals, fmt.Sprintf("%d types touched", len(change.ClassesChanged)))
	}

	score = clamp01(score)
	level := schemas.RiskLevelFromScore(score)
	areas = dedupe(areas)

	return schemas.RiskAssessment{
		Change:           change,
		RiskScore:        score,
		RiskLevel:        level,
		ImpactedAreas:    areas,
		FailureScenarios: dedupe(modes),
		Confidence:       a.cfg.BaseConfidence,
		Reasoning:        buildReasoning(level, signals, areas),
	}
}

// buildReasoning concatenates the level, the triggered signals and the
// impacted areas into the assessment's explanation.
func buildReasoning(level schemas.RiskLevel, signals, areas []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk level %s", level)
	if len(signals) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(signals, "; "))
	} else {
		b.WriteString(": no risk signals triggered")
	}
	if len(areas) > 0 {
		fmt.Fprintf(&b, ". Impacted areas: %s", strings.Join(areas, ", "))
	}
	b.WriteString(".")
	return b.String()
}

func matchesAny(patterns []*regexp.Regexp, content string) bool {
	for _, re := range patterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if tok != "" && strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return items
	}
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
