package config_test

import (
	"errors"
	"testing"

	"github.com/spf13/viper"

	"slidegen/internal/config"
)

func newViper() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	return v
}

func TestDefaultsAreValid(t *testing.T) {
	s, err := config.FromViper(newViper())
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if s.Behavior.MaxScriptRetries != 3 {
		t.Fatalf("max-script-retries = %d, want 3", s.Behavior.MaxScriptRetries)
	}
	if s.Behavior.TargetScoreThreshold != 80 {
		t.Fatalf("target-score-threshold = %v, want 80", s.Behavior.TargetScoreThreshold)
	}
	if got := s.Weights.Total(); got < 0.999999 || got > 1.000001 {
		t.Fatalf("default weights sum to %v", got)
	}
}

func TestMockModeWithoutAPIKey(t *testing.T) {
	s, err := config.FromViper(newViper())
	if err != nil {
		t.Fatal(err)
	}
	if !s.OpenAI.MockMode {
		t.Fatal("expected mock mode with no api key")
	}

	v := newViper()
	v.Set("openai-api-key", "sk-test")
	s, err = config.FromViper(v)
	if err != nil {
		t.Fatal(err)
	}
	if s.OpenAI.MockMode {
		t.Fatal("mock mode should be off with an api key")
	}
}

func TestWeightSumValidation(t *testing.T) {
	v := newViper()
	v.Set("score-weight-completeness", 0.5)
	v.Set("score-weight-content-accuracy", 0.5)
	v.Set("score-weight-layout-match", 0.5)
	v.Set("score-weight-visual-quality", 0.5)
	_, err := config.FromViper(v)
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
	if cfgErr.Field != "score-weights" {
		t.Fatalf("unexpected field %q", cfgErr.Field)
	}
}

func TestWeightSumTolerance(t *testing.T) {
	v := newViper()
	v.Set("score-weight-completeness", 0.3000004)
	v.Set("score-weight-content-accuracy", 0.2999999)
	v.Set("score-weight-layout-match", 0.25)
	v.Set("score-weight-visual-quality", 0.15)
	if _, err := config.FromViper(v); err != nil {
		t.Fatalf("sum within 1e-6 of 1.0 should pass: %v", err)
	}
}

func TestNegativeWeightRejected(t *testing.T) {
	v := newViper()
	v.Set("score-weight-completeness", -0.1)
	v.Set("score-weight-content-accuracy", 0.5)
	v.Set("score-weight-layout-match", 0.4)
	v.Set("score-weight-visual-quality", 0.2)
	var cfgErr *config.ConfigError
	if _, err := config.FromViper(v); !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestThresholdBounds(t *testing.T) {
	v := newViper()
	v.Set("target-score-threshold", 120)
	if _, err := config.FromViper(v); err == nil {
		t.Fatal("threshold above 100 should fail")
	}
	v = newViper()
	v.Set("execution-timeout-seconds", 0)
	if _, err := config.FromViper(v); err == nil {
		t.Fatal("zero timeout should fail")
	}
}

func TestRuntimeDefaults(t *testing.T) {
	rt := config.DefaultRuntime()
	if rt.Execution.Interpreter != "python3" {
		t.Fatalf("interpreter = %q", rt.Execution.Interpreter)
	}
	if rt.Render.Soffice != "soffice" {
		t.Fatalf("soffice = %q", rt.Render.Soffice)
	}
}

func TestRuntimeFromYAML(t *testing.T) {
	rt, err := config.RuntimeFromYAML([]byte(`
execution:
  interpreter: /usr/bin/python3.12
  args: ["-I"]
render:
  soffice: /opt/libreoffice/soffice
`))
	if err != nil {
		t.Fatal(err)
	}
	if rt.Execution.Interpreter != "/usr/bin/python3.12" {
		t.Fatalf("interpreter = %q", rt.Execution.Interpreter)
	}
	if len(rt.Execution.Args) != 1 || rt.Execution.Args[0] != "-I" {
		t.Fatalf("args = %v", rt.Execution.Args)
	}
	// unset fields still default
	if len(rt.Render.ChromeFlags) == 0 {
		t.Fatal("chrome flags should default")
	}
}
