package schemas

import "time"

// -- Code Change Schemas --

// ChangeType categorizes the intent of a code change. The values are
// lowercase snake_case to align with the serialized schedule format.
type ChangeType string

// Constants defining the recognized kinds of code change.
const (
	ChangeFeature    ChangeType = "feature"           // New functionality.
	ChangeBugFix     ChangeType = "bug_fix"           // A fix for a reported defect.
	ChangeRefactor   ChangeType = "refactor"          // Behavior-preserving restructuring.
	ChangeConfig     ChangeType = "configuration"     // Configuration or settings changes.
	ChangeDependency ChangeType = "dependency_update" // Third-party dependency bumps.
	ChangeDocs       ChangeType = "documentation"     // Documentation-only changes.
	ChangeTestOnly   ChangeType = "test_only"         // Changes confined to test code.
	ChangeHotfix     ChangeType = "hotfix"            // Urgent production fix.
)

// CodeChange describes one modified file in one revision. Instances are
// constructed by the caller (typically from VCS diff output) and are
// immutable once built.
type CodeChange struct {
	FilePath   string     `json:"file_path"`   // Path of the modified file, repo-relative.
	ChangeType ChangeType `json:"change_type"` // The kind of change.

	LinesAdded    int `json:"lines_added"`
	LinesRemoved  int `json:"lines_removed"`
	LinesModified int `json:"lines_modified"`

	// FunctionsChanged and ClassesChanged list the names of functions and
	// types touched by the change, when the caller can determine them.
	FunctionsChanged []string `json:"functions_changed,omitempty"`
	ClassesChanged   []string `json:"classes_changed,omitempty"`

	Description string     `json:"description,omitempty"` // Free-text summary, usually the commit subject.
	Revision    string     `json:"revision,omitempty"`    // VCS revision identifier.
	Author      string     `json:"author,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// TotalLines returns the total number of lines touched by the change.
func (c CodeChange) TotalLines() int {
	return c.LinesAdded + c.LinesRemoved + c.LinesModified
}

// -- Risk Assessment Schemas --

// RiskLevel is the discrete risk classification derived from a risk score.
type RiskLevel string

// Constants defining the risk levels, ordered from least to most severe.
const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFromScore maps a risk score in [0,1] to its discrete level using
// the fixed thresholds shared by the analyzer and the enrichment merge.
func RiskLevelFromScore(score float64) RiskLevel {
	switch {
	case score >= 0.8:
		return RiskCritical
	case score >= 0.6:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	case score >= 0.2:
		return RiskLow
	default:
		return RiskMinimal
	}
}

// RiskAssessment is the analyzer's verdict for a single CodeChange. It is
// created fresh per change and is not mutated after the scheduler finishes
// enriching it within one scheduling run.
type RiskAssessment struct {
	Change CodeChange `json:"change"` // The change this assessment refers to.

	RiskScore float64   `json:"risk_score"` // Heuristic risk estimate in [0,1].
	RiskLevel RiskLevel `json:"risk_level"` // Discrete level derived from RiskScore.

	// ImpactedAreas lists the functional categories the change is believed
	// to affect, e.g. "database" or "authentication".
	ImpactedAreas []string `json:"impacted_areas"`

	// FailureScenarios lists plausible failure modes associated with the
	// impacted areas.
	FailureScenarios []string `json:"failure_scenarios"`

	Confidence float64 `json:"confidence"` // Confidence in the assessment, in [0,1].
	Reasoning  string  `json:"reasoning"`  // Human-readable explanation of the verdict.

	// RecommendedTests is filled in by the scheduler once candidates have
	// been selected; empty until then.
	RecommendedTests []string `json:"recommended_tests,omitempty"`
}
