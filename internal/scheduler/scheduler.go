// Package scheduler turns a batch of code changes into a test schedule: it
// assesses each change, gathers impacted tests from the catalog, ranks them,
// selects greedily under a time budget and guarantees coverage of
// critical-risk areas.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/preflight-ci/preflight/api/schemas"
	"github.com/preflight-ci/preflight/internal/analyzer"
	"github.com/preflight-ci/preflight/internal/config"
)

// FileReader fetches the content of a changed file for the analyzer's content
// signal. A nil result with no error means the content is unavailable and the
// signal is skipped.
type FileReader func(path string) (*string, error)

// Scheduler computes test schedules. It holds no per-run state; every
// Schedule call is a single pass over its inputs.
type Scheduler struct {
	catalog  schemas.Catalog
	analyzer *analyzer.Analyzer
	// enricher is optional; nil disables AI enrichment entirely.
	enricher schemas.RiskEnricher
	cfg      config.SchedulerConfig
	log      *zap.Logger

	readFile FileReader
	now      func() time.Time
	newID    func() string
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithFileReader overrides how changed-file content is fetched.
func WithFileReader(r FileReader) Option {
	return func(s *Scheduler) { s.readFile = r }
}

// WithClock overrides the clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. The catalog is required; the enricher may be nil.
func New(cat schemas.Catalog, an *analyzer.Analyzer, enricher schemas.RiskEnricher, cfg config.SchedulerConfig, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if cat == nil || an == nil {
		return nil, fmt.Errorf("cannot initialize scheduler with nil catalog or analyzer")
	}

	s := &Scheduler{
		catalog:  cat,
		analyzer: an,
		enricher: enricher,
		cfg:      cfg,
		log:      logger.Named("scheduler"),
		readFile: readFileFromDisk,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func readFileFromDisk(path string) (*string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := string(data)
	return &content, nil
}

// Schedule produces a TestSchedule for the given change set under the given
// execution-time budget (seconds). It never returns an error: an unexpected
// failure mid-computation yields a schedule with an empty selection and an
// explanatory reasoning string.
func (s *Scheduler) Schedule(ctx context.Context, changes []schemas.CodeChange, budgetSeconds float64) (schedule schemas.TestSchedule) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Scheduling pipeline failed", zap.Any("panic", r))
			schedule = s.degenerate(changes, fmt.Sprintf("scheduling aborted by internal error: %v", r))
		}
	}()

	s.log.Info("Scheduling run started",
		zap.Int("changes", len(changes)),
		zap.Float64("budget_seconds", budgetSeconds))

	assessments := s.assess(ctx, changes)
	pool := s.gatherCandidates(assessments)
	ranked := s.rank(pool, assessments)
	selected := s.selectUnderBudget(ranked, budgetSeconds)
	selected = s.backfillCriticalCoverage(selected, ranked, assessments)

	s.recommend(assessments, selected)

	estimated := 0.0
	distribution := make(map[schemas.Priority]int)
	for _, t := range selected {
		estimated += t.ExecutionTime
		distribution[t.Priority]++
	}

	coverage := s.riskCoverage(assessments, selected)

	schedule = schemas.TestSchedule{
		ID:                     s.newID(),
		Changes:                changes,
		SelectedTests:          selected,
		TotalTestsAvailable:    len(pool),
		EstimatedExecutionTime: estimated,
		RiskCoverage:           coverage,
		PriorityDistribution:   distribution,
		Reasoning:              s.buildReasoning(assessments, selected, estimated),
		CreatedAt:              s.now(),
	}

	s.log.Info("Scheduling run complete",
		zap.String("schedule_id", schedule.ID),
		zap.Int("candidates", schedule.TotalTestsAvailable),
		zap.Int("selected", len(schedule.SelectedTests)),
		zap.Float64("risk_coverage", schedule.RiskCoverage),
		zap.Float64("estimated_seconds", schedule.EstimatedExecutionTime))
	return schedule
}

// degenerate is the fallback schedule: empty selection, zero coverage, an
// explanation instead of an unhandled fault.
func (s *Scheduler) degenerate(changes []schemas.CodeChange, reason string) schemas.TestSchedule {
	return schemas.TestSchedule{
		ID:                   s.newID(),
		Changes:              changes,
		SelectedTests:        []schemas.TestDescriptor{},
		PriorityDistribution: map[schemas.Priority]int{},
		Reasoning:            reason,
		CreatedAt:            s.now(),
	}
}

// assess runs the heuristic analyzer on every change, then fans out the
// optional enrichment calls under a bounded semaphore. Enrichment failures
// keep the heuristic assessment for that change.
func (s *Scheduler) assess(ctx context.Context, changes []schemas.CodeChange) []schemas.RiskAssessment {
	assessments := make([]schemas.RiskAssessment, len(changes))
	for i, change := range changes {
		var content *string
		if s.readFile != nil {
			c, err := s.readFile(change.FilePath)
			if err != nil {
				s.log.Debug("File content unavailable; skipping content signal",
					zap.String("file", change.FilePath), zap.Error(err))
			} else {
				content = c
			}
		}
		assessments[i] = s.analyzer.Analyze(change, content)
	}

	if s.enricher == nil {
		return assessments
	}

	sem := semaphore.NewWeighted(int64(s.cfg.EnrichConcurrency))
	var wg sync.WaitGroup
	for i := range assessments {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				// A collaborator panic must not take down the pipeline.
				if r := recover(); r != nil {
					s.log.Warn("Risk enrichment panicked; keeping heuristic assessment",
						zap.String("file", changes[i].FilePath), zap.Any("panic", r))
				}
			}()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			callCtx, cancel := context.WithTimeout(ctx, s.cfg.EnrichTimeout)
			defer cancel()

			enriched, err := s.enricher.Enrich(callCtx, assessments[i], changes[i])
			if err != nil {
				s.log.Warn("Risk enrichment failed; keeping heuristic assessment",
					zap.String("file", changes[i].FilePath), zap.Error(err))
				return
			}
			assessments[i] = enriched
		}(i)
	}
	wg.Wait()

	return assessments
}

// gatherCandidates builds the de-duplicated candidate pool: tests linked to
// the changed files, tests covering any impacted area, and, when any change
// assesses high or critical, all integration and end-to-end tests.
func (s *Scheduler) gatherCandidates(assessments []schemas.RiskAssessment) []schemas.TestDescriptor {
	var pool []schemas.TestDescriptor
	seen := make(map[string]struct{})

	add := func(tests []schemas.TestDescriptor) {
		for _, t := range tests {
			if _, ok := seen[t.ID]; ok {
				continue
			}
			seen[t.ID] = struct{}{}
			pool = append(pool, t)
		}
	}

	anyElevated := false
	for _, a := range assessments {
		if a.RiskLevel == schemas.RiskHigh || a.RiskLevel == schemas.RiskCritical {
			anyElevated = true
		}

		add(s.catalog.TestsForFiles([]string{a.Change.FilePath}))

		if len(a.ImpactedAreas) > 0 {
			var areaMatches []schemas.TestDescriptor
			for _, t := range s.catalog.All() {
				for _, area := range a.ImpactedAreas {
					if testMatchesAreaLoose(t, area) {
						areaMatches = append(areaMatches, t)
						break
					}
				}
			}
			add(areaMatches)
		}
	}

	if anyElevated {
		add(s.catalog.TestsByType(schemas.TestIntegration))
		add(s.catalog.TestsByType(schemas.TestE2E))
	}

	return pool
}

// scoredTest pairs a candidate with its computed score.
type scoredTest struct {
	schemas.TestDescriptor
	score float64
}

// rank scores every candidate and sorts them by score descending. The sort is
// stable so ties keep their candidate-pool order, which makes scheduling
// deterministic for identical inputs.
func (s *Scheduler) rank(pool []schemas.TestDescriptor, assessments []schemas.RiskAssessment) []scoredTest {
	anyCritical := false
	anyHigh := false
	for _, a := range assessments {
		switch a.RiskLevel {
		case schemas.RiskCritical:
			anyCritical = true
		case schemas.RiskHigh:
			anyHigh = true
		}
	}

	ranked := make([]scoredTest, 0, len(pool))
	for _, t := range pool {
		score := s.cfg.PriorityWeights[string(t.Priority)]
		score += s.cfg.SuccessRateWeight * t.SuccessRate
		score -= s.cfg.FlakinessPenalty * t.FlakinessScore

		if t.FailedWithin(s.cfg.RecentFailureWindow, s.now()) {
			score += s.cfg.RecentFailureBonus
		}

		for _, a := range assessments {
			for _, area := range a.ImpactedAreas {
				if testMatchesAreaStrict(t, area) {
					score += s.cfg.AreaMatchWeight * a.RiskScore
					break
				}
			}
		}

		if anyCritical && (t.TestType == schemas.TestIntegration || t.TestType == schemas.TestE2E) {
			score += s.cfg.CriticalTypeBonus
		}
		if anyHigh && (t.TestType == schemas.TestIntegration || t.TestType == schemas.TestUnit) {
			score += s.cfg.HighTypeBonus
		}

		if bonus := s.cfg.EfficiencyCeiling - t.ExecutionTime/s.cfg.EfficiencyDivisor; bonus > 0 {
			score += bonus
		}

		if score < 0 {
			score = 0
		} else if score > s.cfg.MaxScore {
			score = s.cfg.MaxScore
		}

		ranked = append(ranked, scoredTest{TestDescriptor: t, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked
}

// selectUnderBudget walks the ranked candidates and accepts those that fit
// the budget. Flaky candidates above the threshold are skipped unless their
// priority is high or critical; critical-priority candidates are accepted
// even when they blow the budget.
func (s *Scheduler) selectUnderBudget(ranked []scoredTest, budgetSeconds float64) []schemas.TestDescriptor {
	selected := make([]schemas.TestDescriptor, 0, len(ranked))
	total := 0.0

	for _, cand := range ranked {
		if cand.FlakinessScore > s.cfg.FlakinessThreshold &&
			cand.Priority != schemas.PriorityHigh && cand.Priority != schemas.PriorityCritical {
			s.log.Debug("Skipping flaky candidate",
				zap.String("test_id", cand.ID),
				zap.Float64("flakiness", cand.FlakinessScore))
			continue
		}

		if cand.Priority == schemas.PriorityCritical {
			selected = append(selected, cand.TestDescriptor)
			total += cand.ExecutionTime
			continue
		}

		if total+cand.ExecutionTime <= budgetSeconds {
			selected = append(selected, cand.TestDescriptor)
			total += cand.ExecutionTime
		}
	}

	return selected
}

// backfillCriticalCoverage force-adds tests so that every impacted area of a
// critical assessment is covered by at least one selected test, ignoring the
// budget. Backfill only draws from the existing candidate pool.
func (s *Scheduler) backfillCriticalCoverage(selected []schemas.TestDescriptor, ranked []scoredTest, assessments []schemas.RiskAssessment) []schemas.TestDescriptor {
	selectedIDs := make(map[string]struct{}, len(selected))
	for _, t := range selected {
		selectedIDs[t.ID] = struct{}{}
	}

	for _, a := range assessments {
		if a.RiskLevel != schemas.RiskCritical {
			continue
		}
		for _, area := range a.ImpactedAreas {
			covered := false
			for _, t := range selected {
				if testMatchesAreaStrict(t, area) {
					covered = true
					break
				}
			}
			if covered {
				continue
			}

			for _, cand := range ranked {
				if _, ok := selectedIDs[cand.ID]; ok {
					continue
				}
				if testMatchesAreaStrict(cand.TestDescriptor, area) {
					s.log.Info("Backfilling critical-area coverage",
						zap.String("area", area),
						zap.String("test_id", cand.ID))
					selected = append(selected, cand.TestDescriptor)
					selectedIDs[cand.ID] = struct{}{}
					break
				}
			}
		}
	}

	return selected
}

// recommend records, on each assessment, the selected tests relevant to it.
func (s *Scheduler) recommend(assessments []schemas.RiskAssessment, selected []schemas.TestDescriptor) {
	for i := range assessments {
		a := &assessments[i]
		for _, t := range selected {
			if testRelevantToAssessment(t, *a) {
				a.RecommendedTests = append(a.RecommendedTests, t.ID)
			}
		}
	}
}

// riskCoverage computes the fraction of total assessed risk (score-weighted)
// addressed by at least one selected test. No assessments, or zero total
// risk, counts as fully covered.
func (s *Scheduler) riskCoverage(assessments []schemas.RiskAssessment, selected []schemas.TestDescriptor) float64 {
	if len(assessments) == 0 {
		return 1.0
	}

	var totalRisk, coveredRisk float64
	for _, a := range assessments {
		totalRisk += a.RiskScore

		covered := false
		for _, area := range a.ImpactedAreas {
			for _, t := range selected {
				if testMatchesAreaLoose(t, area) {
					covered = true
					break
				}
			}
			if covered {
				break
			}
		}
		if covered {
			coveredRisk += a.RiskScore
		}
	}

	if totalRisk == 0 {
		return 1.0
	}
	coverage := coveredRisk / totalRisk
	if coverage > 1 {
		coverage = 1
	}
	return coverage
}

// buildReasoning summarizes the run: change count, risk-level histogram,
// selected-test-type histogram, estimated execution time, and the top
// impacted areas among elevated assessments.
func (s *Scheduler) buildReasoning(assessments []schemas.RiskAssessment, selected []schemas.TestDescriptor, estimated float64) string {
	levelCounts := make(map[schemas.RiskLevel]int)
	areaCounts := make(map[string]int)
	for _, a := range assessments {
		levelCounts[a.RiskLevel]++
		if a.RiskLevel == schemas.RiskHigh || a.RiskLevel == schemas.RiskCritical {
			for _, area := range a.ImpactedAreas {
				areaCounts[area]++
			}
		}
	}

	typeCounts := make(map[schemas.TestType]int)
	for _, t := range selected {
		typeCounts[t.TestType]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyzed %d changes (%s). ", len(assessments), formatHistogram(levelCounts))
	fmt.Fprintf(&b, "Selected %d tests (%s) with an estimated execution time of %.1fs.", len(selected), formatTypeHistogram(typeCounts), estimated)

	if top := topAreas(areaCounts, 3); len(top) > 0 {
		fmt.Fprintf(&b, " Top impacted areas among elevated-risk changes: %s.", strings.Join(top, ", "))
	}
	return b.String()
}

func formatHistogram(counts map[schemas.RiskLevel]int) string {
	order := []schemas.RiskLevel{schemas.RiskCritical, schemas.RiskHigh, schemas.RiskMedium, schemas.RiskLow, schemas.RiskMinimal}
	parts := make([]string, 0, len(order))
	for _, lvl := range order {
		if n := counts[lvl]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", lvl, n))
		}
	}
	if len(parts) == 0 {
		return "no risk assessed"
	}
	return strings.Join(parts, ", ")
}

func formatTypeHistogram(counts map[schemas.TestType]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %d", k, counts[schemas.TestType(k)]))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// topAreas returns the most frequent areas, count descending with name as the
// tie-breaker.
func topAreas(counts map[string]int, n int) []string {
	areas := make([]string, 0, len(counts))
	for a := range counts {
		areas = append(areas, a)
	}
	sort.Slice(areas, func(i, j int) bool {
		if counts[areas[i]] != counts[areas[j]] {
			return counts[areas[i]] > counts[areas[j]]
		}
		return areas[i] < areas[j]
	})
	if len(areas) > n {
		areas = areas[:n]
	}
	return areas
}

// testMatchesAreaStrict reports whether a test declares the area in its
// coverage list, or carries it as a tag (case-insensitive). Used for scoring
// and for the critical-coverage guarantee.
func testMatchesAreaStrict(t schemas.TestDescriptor, area string) bool {
	for _, a := range t.CoverageAreas {
		if a == area {
			return true
		}
	}
	for _, tag := range t.Tags {
		if strings.EqualFold(tag, area) {
			return true
		}
	}
	return false
}

// testMatchesAreaLoose additionally accepts the area appearing in the test's
// file path. Used for candidate gathering and the coverage metric.
func testMatchesAreaLoose(t schemas.TestDescriptor, area string) bool {
	if testMatchesAreaStrict(t, area) {
		return true
	}
	return area != "" && strings.Contains(t.FilePath, area)
}

// testRelevantToAssessment reports whether a selected test is worth
// recommending against a particular assessment: it depends on the changed
// file's directory or matches one of the impacted areas.
func testRelevantToAssessment(t schemas.TestDescriptor, a schemas.RiskAssessment) bool {
	for _, dep := range t.Dependencies {
		if dep == a.Change.FilePath {
			return true
		}
	}
	for _, area := range a.ImpactedAreas {
		if testMatchesAreaLoose(t, area) {
			return true
		}
	}
	return false
}
