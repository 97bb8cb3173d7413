package schemas

import "time"

// -- Test Catalog Schemas --

// TestType categorizes a catalogued test by scope.
type TestType string

// Constants for the supported test types.
const (
	TestUnit        TestType = "unit"
	TestIntegration TestType = "integration"
	TestE2E         TestType = "e2e"
	TestPerformance TestType = "performance"
	TestSmoke       TestType = "smoke"
)

// Priority expresses how important a test is to run, independent of any
// particular change set.
type Priority string

// Constants for test priorities.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// TestDescriptor is the catalog's record of a single automated test,
// including its declared dependencies and rolling execution history. It maps
// directly to an entry in the catalog file's `tests` object.
type TestDescriptor struct {
	ID       string   `json:"id"`        // Unique identifier, stable across runs.
	Name     string   `json:"name"`      // Human-readable display name.
	FilePath string   `json:"file_path"` // Source file that defines the test.
	TestType TestType `json:"test_type"`

	// Dependencies lists file or module paths the test is known to
	// exercise. The catalog maintains a reverse index over these.
	Dependencies []string `json:"dependencies"`

	ExecutionTime float64 `json:"execution_time"` // Rolling average runtime in seconds.
	SuccessRate   float64 `json:"success_rate"`   // Rolling success rate in [0,1].

	LastFailure  *time.Time `json:"last_failure,omitempty"` // Timestamp of the most recent failure.
	FailureCount int        `json:"failure_count"`

	// TotalRuns and SuccessfulRuns back the rolling success rate so it can
	// be updated incrementally as results are fed back.
	TotalRuns      int `json:"total_runs"`
	SuccessfulRuns int `json:"successful_runs"`

	FlakinessScore float64  `json:"flakiness_score"` // Intermittent-failure measure in [0,1].
	Priority       Priority `json:"priority"`

	Tags          []string `json:"tags,omitempty"`           // Free-form labels.
	CoverageAreas []string `json:"coverage_areas,omitempty"` // Functional areas the test covers.

	Metadata map[string]string `json:"metadata,omitempty"`
}

// FailedWithin reports whether the test's last recorded failure happened
// within the given window before now.
func (t TestDescriptor) FailedWithin(window time.Duration, now time.Time) bool {
	return t.LastFailure != nil && now.Sub(*t.LastFailure) <= window
}

// -- Test Schedule Schemas --

// TestSchedule is the output of one scheduling run: the selected tests plus
// the metrics and reasoning that justify the selection.
type TestSchedule struct {
	ID      string       `json:"id"`
	Changes []CodeChange `json:"changes"` // The change set the schedule was computed for.

	SelectedTests []TestDescriptor `json:"selected_tests"`

	// TotalTestsAvailable is the size of the candidate pool the selection
	// was drawn from; SelectedTests is always a subset of that pool.
	TotalTestsAvailable int `json:"total_tests_available"`

	EstimatedExecutionTime float64 `json:"estimated_execution_time"` // Seconds.

	// RiskCoverage is the fraction of total assessed risk (score-weighted)
	// addressed by the selected tests, in [0,1].
	RiskCoverage float64 `json:"risk_coverage"`

	PriorityDistribution map[Priority]int `json:"priority_distribution"`

	Reasoning string    `json:"reasoning"`
	CreatedAt time.Time `json:"created_at"`
}
