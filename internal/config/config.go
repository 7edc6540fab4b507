package config

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// ConfigError is a fatal startup configuration problem. Runs never start
// with an invalid configuration, so this never surfaces mid-run.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// OpenAIConfig selects the model backend. MockMode swaps in the
// deterministic facade so the pipeline runs without network access.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	DefaultModel    string
	VisionModel     string
	MockMode        bool
	ReasoningEffort string
}

// BehaviorConfig holds the orchestrator budgets and thresholds.
type BehaviorConfig struct {
	MaxScriptRetries         int
	MaxImprovementIterations int
	MaxRenderRetries         int
	ExecutionTimeout         time.Duration
	TargetScoreThreshold     float64
}

// IOConfig locates the workspace and the run output tree.
type IOConfig struct {
	WorkspaceDir string
	OutputDir    string
}

// ScoreWeights weight the four scoring dimensions. They must be
// non-negative and sum to 1.0 within tolerance.
type ScoreWeights struct {
	Completeness    float64
	ContentAccuracy float64
	LayoutMatch     float64
	VisualQuality   float64
}

// Total returns the weight sum.
func (w ScoreWeights) Total() float64 {
	return w.Completeness + w.ContentAccuracy + w.LayoutMatch + w.VisualQuality
}

const weightTolerance = 1e-6

// Settings is the resolved, immutable configuration snapshot for a process.
type Settings struct {
	OpenAI   OpenAIConfig
	Behavior BehaviorConfig
	IO       IOConfig
	Weights  ScoreWeights
}

// SetDefaults registers every settings key with its default value so that
// FromViper sees a complete key set even with an empty environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("openai-api-key", "")
	v.SetDefault("openai-base-url", "https://api.openai.com/v1")
	v.SetDefault("openai-default-model", "gpt-4o-mini")
	v.SetDefault("openai-vision-model", "gpt-4o-mini")
	v.SetDefault("openai-use-mock", false)
	v.SetDefault("openai-reasoning-effort", "medium")
	v.SetDefault("max-script-retries", 3)
	v.SetDefault("max-improvement-iterations", 2)
	v.SetDefault("max-render-retries", 2)
	v.SetDefault("execution-timeout-seconds", 120)
	v.SetDefault("target-score-threshold", 80.0)
	v.SetDefault("workspace", ".")
	v.SetDefault("output-dir", "")
	v.SetDefault("score-weight-completeness", 0.3)
	v.SetDefault("score-weight-content-accuracy", 0.3)
	v.SetDefault("score-weight-layout-match", 0.25)
	v.SetDefault("score-weight-visual-quality", 0.15)
}

// FromViper resolves Settings from the given viper instance (env vars with
// the SLIDEGEN prefix, optional .env file, CLI flag bindings) and validates
// them. Validation failures are ConfigError and fatal.
func FromViper(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		OpenAI: OpenAIConfig{
			APIKey:          v.GetString("openai-api-key"),
			BaseURL:         v.GetString("openai-base-url"),
			DefaultModel:    v.GetString("openai-default-model"),
			VisionModel:     v.GetString("openai-vision-model"),
			MockMode:        v.GetBool("openai-use-mock"),
			ReasoningEffort: v.GetString("openai-reasoning-effort"),
		},
		Behavior: BehaviorConfig{
			MaxScriptRetries:         v.GetInt("max-script-retries"),
			MaxImprovementIterations: v.GetInt("max-improvement-iterations"),
			MaxRenderRetries:         v.GetInt("max-render-retries"),
			ExecutionTimeout:         time.Duration(v.GetInt("execution-timeout-seconds")) * time.Second,
			TargetScoreThreshold:     v.GetFloat64("target-score-threshold"),
		},
		IO: IOConfig{
			WorkspaceDir: v.GetString("workspace"),
			OutputDir:    v.GetString("output-dir"),
		},
		Weights: ScoreWeights{
			Completeness:    v.GetFloat64("score-weight-completeness"),
			ContentAccuracy: v.GetFloat64("score-weight-content-accuracy"),
			LayoutMatch:     v.GetFloat64("score-weight-layout-match"),
			VisualQuality:   v.GetFloat64("score-weight-visual-quality"),
		},
	}
	if !s.OpenAI.MockMode && s.OpenAI.APIKey == "" {
		// No key means there is nothing real to call; fall back to mock
		// instead of failing, matching --mock-openai behavior.
		s.OpenAI.MockMode = true
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings invariants once at startup.
func (s *Settings) Validate() error {
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"score-weight-completeness", s.Weights.Completeness},
		{"score-weight-content-accuracy", s.Weights.ContentAccuracy},
		{"score-weight-layout-match", s.Weights.LayoutMatch},
		{"score-weight-visual-quality", s.Weights.VisualQuality},
	} {
		if w.value < 0 {
			return &ConfigError{Field: w.name, Reason: "must be non-negative"}
		}
	}
	if total := s.Weights.Total(); math.Abs(total-1.0) > weightTolerance {
		return &ConfigError{Field: "score-weights", Reason: fmt.Sprintf("must sum to 1.0, got %g", total)}
	}
	if s.Behavior.MaxScriptRetries < 0 {
		return &ConfigError{Field: "max-script-retries", Reason: "must be >= 0"}
	}
	if s.Behavior.MaxImprovementIterations < 0 {
		return &ConfigError{Field: "max-improvement-iterations", Reason: "must be >= 0"}
	}
	if s.Behavior.MaxRenderRetries < 0 {
		return &ConfigError{Field: "max-render-retries", Reason: "must be >= 0"}
	}
	if s.Behavior.ExecutionTimeout <= 0 {
		return &ConfigError{Field: "execution-timeout-seconds", Reason: "must be > 0"}
	}
	if s.Behavior.TargetScoreThreshold < 0 || s.Behavior.TargetScoreThreshold > 100 {
		return &ConfigError{Field: "target-score-threshold", Reason: "must be in [0,100]"}
	}
	return nil
}
