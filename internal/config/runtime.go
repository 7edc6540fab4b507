package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Runtime models slidegen.yml: how to execute generated scripts and how to
// render their artifacts on this machine. Kept separate from Settings
// because it describes the host, not the run.
type Runtime struct {
	Execution struct {
		Interpreter string   `yaml:"interpreter"`
		Args        []string `yaml:"args"`
	} `yaml:"execution"`
	Render struct {
		Soffice     string   `yaml:"soffice"`
		ChromeFlags []string `yaml:"chrome_flags"`
	} `yaml:"render"`
}

// RuntimePath returns the runtime config file path for a workspace.
func RuntimePath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "slidegen.yml")
}

// LoadRuntime reads slidegen.yml from the workspace, falling back to
// defaults when the file does not exist.
func LoadRuntime(workspace string) (*Runtime, error) {
	data, err := os.ReadFile(RuntimePath(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRuntime(), nil
		}
		return nil, err
	}
	return RuntimeFromYAML(data)
}

// RuntimeFromYAML parses and validates a runtime config.
func RuntimeFromYAML(data []byte) (*Runtime, error) {
	var rt Runtime
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("invalid runtime yaml: %w", err)
	}
	rt.applyDefaults()
	if err := rt.Validate(); err != nil {
		return nil, err
	}
	return &rt, nil
}

// DefaultRuntime returns the built-in runtime config.
func DefaultRuntime() *Runtime {
	var rt Runtime
	rt.applyDefaults()
	return &rt
}

func (rt *Runtime) applyDefaults() {
	if rt.Execution.Interpreter == "" {
		rt.Execution.Interpreter = "python3"
	}
	if rt.Render.Soffice == "" {
		rt.Render.Soffice = "soffice"
	}
	if len(rt.Render.ChromeFlags) == 0 {
		rt.Render.ChromeFlags = []string{"headless", "disable-gpu", "no-sandbox"}
	}
}

// Validate ensures the runtime config is usable.
func (rt *Runtime) Validate() error {
	if rt.Execution.Interpreter == "" {
		return &ConfigError{Field: "execution.interpreter", Reason: "is required"}
	}
	if rt.Render.Soffice == "" {
		return &ConfigError{Field: "render.soffice", Reason: "is required"}
	}
	return nil
}

// GenerateDefaultRuntime returns default runtime YAML for slidegen.yml.
func GenerateDefaultRuntime() string {
	return defaultRuntimeTemplate
}

const defaultRuntimeTemplate = `execution:
  interpreter: python3
  args: []

render:
  soffice: soffice
  chrome_flags: [headless, disable-gpu, no-sandbox]
`
