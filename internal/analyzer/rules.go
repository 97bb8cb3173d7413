package analyzer

// AreaRule binds a functional area to the content patterns that signal it and
// the canned failure scenarios recorded when it matches. The table is data,
// not control flow, so deployments can extend it without touching the scoring
// algorithm.
type AreaRule struct {
	Area             string   `mapstructure:"area" yaml:"area"`
	Patterns         []string `mapstructure:"patterns" yaml:"patterns"`
	FailureScenarios []string `mapstructure:"failure_scenarios" yaml:"failure_scenarios"`
}

// DefaultAreaRules returns the built-in functional-area rule table.
func DefaultAreaRules() []AreaRule {
	return []AreaRule{
		{
			Area: "database",
			Patterns: []string{
				`(?i)\b(database|db|sql|query|transaction|migration)\b`,
				`(?i)\b(select|insert|update|delete)\b`,
			},
			FailureScenarios: []string{
				"database connection issues",
				"data integrity problems",
			},
		},
		{
			Area: "authentication",
			Patterns: []string{
				`(?i)\b(auth|login|logout|password|token|session)\b`,
				`(?i)\b(oauth|jwt|credentials?)\b`,
			},
			FailureScenarios: []string{
				"authentication bypass",
				"session handling errors",
			},
		},
		{
			Area: "api",
			Patterns: []string{
				`(?i)\b(api|endpoint|route|handler|middleware)\b`,
				`(?i)\b(http|rest|grpc|graphql)\b`,
			},
			FailureScenarios: []string{
				"API contract breakage",
				"unexpected response codes",
			},
		},
		{
			Area: "configuration",
			Patterns: []string{
				`(?i)\b(config|configuration|settings?|env|environment)\b`,
			},
			FailureScenarios: []string{
				"misconfigured environments",
			},
		},
		{
			Area: "critical_business",
			Patterns: []string{
				`(?i)\b(payment|billing|invoice|order|checkout|pricing)\b`,
			},
			FailureScenarios: []string{
				"billing miscalculations",
				"order processing failures",
			},
		},
		{
			Area: "external_service",
			Patterns: []string{
				`(?i)\b(webhook|external|integration|upstream)\b`,
				`(?i)third[-_ ]?party`,
			},
			FailureScenarios: []string{
				"upstream service outages",
				"timeout cascades",
			},
		},
		{
			Area: "data_processing",
			Patterns: []string{
				`(?i)\b(pipeline|transform|batch|etl|stream|aggregate)\b`,
			},
			FailureScenarios: []string{
				"data corruption during processing",
				"partial batch failures",
			},
		},
		{
			Area: "file_operations",
			Patterns: []string{
				`(?i)\b(file|upload|download|filesystem|storage)\b`,
			},
			FailureScenarios: []string{
				"file handle leaks",
				"partial or corrupt writes",
			},
		},
	}
}
