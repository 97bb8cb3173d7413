package schemas

import "context"

// -- Catalog Interface --

// Catalog defines the repository surface the scheduler consumes. The concrete
// implementation owns persistence and locking; callers treat it as a shared,
// long-lived collaborator constructed once and injected by reference.
type Catalog interface {
	// AddOrUpdateTest upserts a descriptor by ID and re-indexes its
	// dependencies.
	AddOrUpdateTest(t TestDescriptor) error
	// TestsForFiles returns tests whose declared dependencies match any of
	// the given paths, exactly or by relatedness (same directory, or same
	// base name modulo a test prefix/suffix).
	TestsForFiles(paths []string) []TestDescriptor
	// TestsByType returns all tests of the given type.
	TestsByType(kind TestType) []TestDescriptor
	// TestsByPriority returns all tests with the given priority.
	TestsByPriority(p Priority) []TestDescriptor
	// UpdateMetrics folds an observed run result into a test's rolling
	// metrics. Nil arguments leave the corresponding metric untouched.
	UpdateMetrics(id string, execTime *float64, success *bool, flakiness *float64) error
	// All returns every catalogued test.
	All() []TestDescriptor
}

// -- Enrichment Interface --

// RiskEnricher is the optional AI collaborator that may sharpen a heuristic
// risk assessment. Implementations may only raise the risk score, append
// impacted areas, failure scenarios and reasoning, and raise confidence.
// Callers invoke it with a bounded context; any error or timeout means the
// heuristic assessment is used unmodified, never a failed schedule.
type RiskEnricher interface {
	Enrich(ctx context.Context, assessment RiskAssessment, change CodeChange) (RiskAssessment, error)
}
