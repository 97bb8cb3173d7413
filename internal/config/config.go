// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Catalog    CatalogConfig    `mapstructure:"catalog" yaml:"catalog"`
	Analyzer   AnalyzerConfig   `mapstructure:"analyzer" yaml:"analyzer"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment" yaml:"enrichment"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// CatalogConfig locates the persistent test catalog.
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AnalyzerConfig carries the risk scoring weights. The constants were chosen
// empirically in production use; override them in configuration rather than
// editing code.
type AnalyzerConfig struct {
	SizeLargeLines   int     `mapstructure:"size_large_lines" yaml:"size_large_lines"`
	SizeLargeWeight  float64 `mapstructure:"size_large_weight" yaml:"size_large_weight"`
	SizeMediumLines  int     `mapstructure:"size_medium_lines" yaml:"size_medium_lines"`
	SizeMediumWeight float64 `mapstructure:"size_medium_weight" yaml:"size_medium_weight"`

	// ChangeTypeWeights maps a change kind to its fixed score contribution.
	ChangeTypeWeights map[string]float64 `mapstructure:"change_type_weights" yaml:"change_type_weights"`

	ContentMatchWeight float64 `mapstructure:"content_match_weight" yaml:"content_match_weight"`

	CriticalPathTokens []string `mapstructure:"critical_path_tokens" yaml:"critical_path_tokens"`
	CriticalPathWeight float64  `mapstructure:"critical_path_weight" yaml:"critical_path_weight"`
	ConfigPathTokens   []string `mapstructure:"config_path_tokens" yaml:"config_path_tokens"`
	ConfigPathWeight   float64  `mapstructure:"config_path_weight" yaml:"config_path_weight"`

	FunctionBreadthCount  int     `mapstructure:"function_breadth_count" yaml:"function_breadth_count"`
	FunctionBreadthWeight float64 `mapstructure:"function_breadth_weight" yaml:"function_breadth_weight"`
	ClassBreadthCount     int     `mapstructure:"class_breadth_count" yaml:"class_breadth_count"`
	ClassBreadthWeight    float64 `mapstructure:"class_breadth_weight" yaml:"class_breadth_weight"`

	BaseConfidence float64 `mapstructure:"base_confidence" yaml:"base_confidence"`
}

// SchedulerConfig carries the candidate scoring weights and selection knobs.
type SchedulerConfig struct {
	// PriorityWeights maps a test priority to its base candidate score.
	PriorityWeights map[string]float64 `mapstructure:"priority_weights" yaml:"priority_weights"`

	SuccessRateWeight  float64       `mapstructure:"success_rate_weight" yaml:"success_rate_weight"`
	FlakinessPenalty   float64       `mapstructure:"flakiness_penalty" yaml:"flakiness_penalty"`
	RecentFailureBonus float64       `mapstructure:"recent_failure_bonus" yaml:"recent_failure_bonus"`
	RecentFailureWindow time.Duration `mapstructure:"recent_failure_window" yaml:"recent_failure_window"`

	AreaMatchWeight   float64 `mapstructure:"area_match_weight" yaml:"area_match_weight"`
	CriticalTypeBonus float64 `mapstructure:"critical_type_bonus" yaml:"critical_type_bonus"`
	HighTypeBonus     float64 `mapstructure:"high_type_bonus" yaml:"high_type_bonus"`

	EfficiencyCeiling float64 `mapstructure:"efficiency_ceiling" yaml:"efficiency_ceiling"`
	EfficiencyDivisor float64 `mapstructure:"efficiency_divisor" yaml:"efficiency_divisor"`
	MaxScore          float64 `mapstructure:"max_score" yaml:"max_score"`

	// FlakinessThreshold is the flakiness score above which a candidate is
	// skipped unless its priority is high or critical.
	FlakinessThreshold float64 `mapstructure:"flakiness_threshold" yaml:"flakiness_threshold"`

	// EnrichConcurrency bounds the number of in-flight enrichment calls.
	EnrichConcurrency int           `mapstructure:"enrich_concurrency" yaml:"enrich_concurrency"`
	EnrichTimeout     time.Duration `mapstructure:"enrich_timeout" yaml:"enrich_timeout"`
}

// EnrichmentConfig defines the optional AI risk enrichment collaborator.
type EnrichmentConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "preflight")
	v.SetDefault("logger.log_file", "preflight.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Catalog --
	v.SetDefault("catalog.path", "test_catalog.json")

	// -- Analyzer --
	v.SetDefault("analyzer.size_large_lines", 100)
	v.SetDefault("analyzer.size_large_weight", 0.3)
	v.SetDefault("analyzer.size_medium_lines", 50)
	v.SetDefault("analyzer.size_medium_weight", 0.2)
	v.SetDefault("analyzer.change_type_weights", map[string]float64{
		"hotfix":            0.4,
		"dependency_update": 0.35,
		"feature":           0.3,
		"configuration":     0.3,
		"refactor":          0.25,
		"bug_fix":           0.2,
		"test_only":         0.1,
		"documentation":     0.05,
	})
	v.SetDefault("analyzer.content_match_weight", 0.1)
	v.SetDefault("analyzer.critical_path_tokens", []string{"core", "main", "critical", "production"})
	v.SetDefault("analyzer.critical_path_weight", 0.2)
	v.SetDefault("analyzer.config_path_tokens", []string{"config", "settings", "env"})
	v.SetDefault("analyzer.config_path_weight", 0.15)
	v.SetDefault("analyzer.function_breadth_count", 5)
	v.SetDefault("analyzer.function_breadth_weight", 0.15)
	v.SetDefault("analyzer.class_breadth_count", 2)
	v.SetDefault("analyzer.class_breadth_weight", 0.1)
	v.SetDefault("analyzer.base_confidence", 0.8)

	// -- Scheduler --
	v.SetDefault("scheduler.priority_weights", map[string]float64{
		"critical": 1.0,
		"high":     0.8,
		"medium":   0.5,
		"low":      0.2,
	})
	v.SetDefault("scheduler.success_rate_weight", 0.3)
	v.SetDefault("scheduler.flakiness_penalty", 0.4)
	v.SetDefault("scheduler.recent_failure_bonus", 0.2)
	v.SetDefault("scheduler.recent_failure_window", 7*24*time.Hour)
	v.SetDefault("scheduler.area_match_weight", 0.3)
	v.SetDefault("scheduler.critical_type_bonus", 0.3)
	v.SetDefault("scheduler.high_type_bonus", 0.2)
	v.SetDefault("scheduler.efficiency_ceiling", 0.2)
	v.SetDefault("scheduler.efficiency_divisor", 300.0)
	v.SetDefault("scheduler.max_score", 2.0)
	v.SetDefault("scheduler.flakiness_threshold", 0.7)
	v.SetDefault("scheduler.enrich_concurrency", 3)
	v.SetDefault("scheduler.enrich_timeout", "20s")

	// -- Enrichment --
	v.SetDefault("enrichment.enabled", false)
	v.SetDefault("enrichment.model", "gemini-2.5-flash")
	v.SetDefault("enrichment.api_timeout", "30s")
	v.SetDefault("enrichment.temperature", 0.2)
	v.SetDefault("enrichment.max_tokens", 1024)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("enrichment.api_key", "PREFLIGHT_ENRICHMENT_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up.
	if cfg.Enrichment.Enabled && cfg.Enrichment.APIKey == "" {
		cfg.Enrichment.APIKey = os.Getenv("PREFLIGHT_ENRICHMENT_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is a required configuration field")
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler configuration invalid: %w", err)
	}
	if err := c.Enrichment.Validate(); err != nil {
		return fmt.Errorf("enrichment configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the scheduler settings.
func (s *SchedulerConfig) Validate() error {
	if s.FlakinessThreshold < 0.0 || s.FlakinessThreshold > 1.0 {
		return fmt.Errorf("flakiness_threshold must be between 0.0 and 1.0")
	}
	if s.EnrichConcurrency <= 0 {
		return fmt.Errorf("enrich_concurrency must be a positive integer")
	}
	if s.EnrichTimeout <= 0 {
		return fmt.Errorf("enrich_timeout must be a positive duration")
	}
	if s.MaxScore <= 0 {
		return fmt.Errorf("max_score must be greater than 0")
	}
	return nil
}

// Validate checks the enrichment settings.
func (e *EnrichmentConfig) Validate() error {
	if !e.Enabled {
		return nil
	}
	if e.Model == "" {
		return fmt.Errorf("model is required when enrichment is enabled")
	}
	if e.APIKey == "" {
		return fmt.Errorf("API key is required but not found. Ensure PREFLIGHT_ENRICHMENT_API_KEY is set")
	}
	if e.APITimeout <= 0 {
		return fmt.Errorf("api_timeout must be a positive duration")
	}
	return nil
}
