// Package artifacts owns the on-disk layout of a run: input copies,
// script sources, produced slides, rendered images, execution logs, and
// the metadata.json wire record.
package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"slidegen/internal/domain"
)

// RunPaths locates every artifact class of one run. Runs share nothing on
// disk: the base directory is partitioned by run id.
type RunPaths struct {
	RunID      string
	BaseDir    string
	InputDir   string
	ScriptsDir string
	OutputsDir string
	LogsDir    string
}

type Manager struct {
	baseOutputDir string
}

func NewManager(baseOutputDir string) (*Manager, error) {
	if err := os.MkdirAll(baseOutputDir, 0o755); err != nil {
		return nil, err
	}
	return &Manager{baseOutputDir: baseOutputDir}, nil
}

// Paths locates an existing run's directories without creating anything.
func (m *Manager) Paths(runID string) RunPaths {
	base := filepath.Join(m.baseOutputDir, runID)
	return RunPaths{
		RunID:      runID,
		BaseDir:    base,
		InputDir:   filepath.Join(base, "input"),
		ScriptsDir: filepath.Join(base, "scripts"),
		OutputsDir: filepath.Join(base, "outputs"),
		LogsDir:    filepath.Join(base, "logs"),
	}
}

// CreateRun makes the directory tree for a run.
func (m *Manager) CreateRun(runID string) (RunPaths, error) {
	if runID == "" {
		// Timestamp for humans, uuid suffix so concurrent runs never
		// collide on a directory.
		runID = time.Now().UTC().Format("20060102_150405") + "_" + uuid.NewString()[:8]
	}
	base := filepath.Join(m.baseOutputDir, runID)
	paths := RunPaths{
		RunID:      runID,
		BaseDir:    base,
		InputDir:   filepath.Join(base, "input"),
		ScriptsDir: filepath.Join(base, "scripts"),
		OutputsDir: filepath.Join(base, "outputs"),
		LogsDir:    filepath.Join(base, "logs"),
	}
	for _, dir := range []string{paths.InputDir, paths.ScriptsDir, paths.OutputsDir, paths.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return RunPaths{}, err
		}
	}
	return paths, nil
}

// PersistBrief writes the brief text into the run's input directory.
func (m *Manager) PersistBrief(paths RunPaths, brief string) (string, error) {
	p := filepath.Join(paths.InputDir, "brief.txt")
	if err := os.WriteFile(p, []byte(brief), 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// StoreImages copies the request images into the run directory so the run
// is self-contained, returning inputs rewritten to the stored paths.
func (m *Manager) StoreImages(paths RunPaths, images []domain.ImageInput) ([]domain.ImageInput, error) {
	stored := make([]domain.ImageInput, 0, len(images))
	for _, img := range images {
		target := filepath.Join(paths.InputDir, filepath.Base(img.Path))
		if img.Path != target {
			if err := copyFile(img.Path, target); err != nil {
				return nil, fmt.Errorf("store image %s: %w", img.Name, err)
			}
		}
		stored = append(stored, domain.ImageInput{Name: img.Name, Path: target, Description: img.Description})
	}
	return stored, nil
}

// StoreReferenceImage copies the optional reference layout image.
func (m *Manager) StoreReferenceImage(paths RunPaths, referenceImage string) (string, error) {
	if referenceImage == "" {
		return "", nil
	}
	target := filepath.Join(paths.InputDir, filepath.Base(referenceImage))
	if err := copyFile(referenceImage, target); err != nil {
		return "", fmt.Errorf("store reference image: %w", err)
	}
	return target, nil
}

// PersistScript writes one script version's source text.
func (m *Manager) PersistScript(paths RunPaths, versionID int64, origin domain.ScriptOrigin, content string) (string, error) {
	p := filepath.Join(paths.ScriptsDir, fmt.Sprintf("script_v%d_%s.py", versionID, origin))
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// ReadScript loads a persisted script's source text.
func (m *Manager) ReadScript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PersistExecutionLogs stores the captured stdout and stderr of a version.
func (m *Manager) PersistExecutionLogs(paths RunPaths, versionID int64, stdout, stderr string) error {
	if err := os.WriteFile(filepath.Join(paths.LogsDir, fmt.Sprintf("v%d_stdout.log", versionID)), []byte(stdout), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(paths.LogsDir, fmt.Sprintf("v%d_stderr.log", versionID)), []byte(stderr), 0o644)
}

// ArtifactPath is where version's script must produce its slide file.
func (m *Manager) ArtifactPath(paths RunPaths, versionID int64) string {
	return filepath.Join(paths.OutputsDir, fmt.Sprintf("slide_v%d.pptx", versionID))
}

// ScreenshotPath is where version's rendered image is stored.
func (m *Manager) ScreenshotPath(paths RunPaths, versionID int64) string {
	return filepath.Join(paths.OutputsDir, fmt.Sprintf("slide_v%d.png", versionID))
}

// ImageMapPath is where the name->path mapping for a version's execution
// is written.
func (m *Manager) ImageMapPath(paths RunPaths, versionID int64) string {
	return filepath.Join(paths.InputDir, fmt.Sprintf("v%d_images.json", versionID))
}

// WriteMetadata persists the run's metadata.json wire record. Rewritten in
// full after every step so a crash always leaves a readable trail.
func (m *Manager) WriteMetadata(paths RunPaths, md domain.RunMetadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(paths.BaseDir, "metadata.json"), data, 0o644)
}

// ReadMetadata loads a run's metadata.json.
func (m *Manager) ReadMetadata(runID string) (domain.RunMetadata, error) {
	var md domain.RunMetadata
	data, err := os.ReadFile(filepath.Join(m.baseOutputDir, runID, "metadata.json"))
	if err != nil {
		return md, err
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("parse metadata: %w", err)
	}
	return md, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
