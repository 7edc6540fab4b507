package artifacts_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"slidegen/internal/artifacts"
	"slidegen/internal/domain"
)

func TestCreateRunLayout(t *testing.T) {
	m, err := artifacts.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	paths, err := m.CreateRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{paths.InputDir, paths.ScriptsDir, paths.OutputsDir, paths.LogsDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("missing run dir %s: %v", dir, err)
		}
	}
	if m.Paths("run-1").BaseDir != paths.BaseDir {
		t.Fatal("Paths does not match CreateRun layout")
	}
}

func TestGeneratedRunIDsAreUnique(t *testing.T) {
	m, err := artifacts.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		paths, err := m.CreateRun("")
		if err != nil {
			t.Fatal(err)
		}
		if seen[paths.RunID] {
			t.Fatalf("duplicate generated run id %s", paths.RunID)
		}
		seen[paths.RunID] = true
	}
}

func TestPersistScriptNaming(t *testing.T) {
	m, _ := artifacts.NewManager(t.TempDir())
	paths, _ := m.CreateRun("run-1")
	p, err := m.PersistScript(paths, 3, domain.OriginFix, "print('x')")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p) != "script_v3_fix.py" {
		t.Fatalf("script name = %s", filepath.Base(p))
	}
	content, err := m.ReadScript(p)
	if err != nil || content != "print('x')" {
		t.Fatalf("read back = %q, %v", content, err)
	}
}

func TestStoreImagesCopiesIntoRun(t *testing.T) {
	m, _ := artifacts.NewManager(t.TempDir())
	paths, _ := m.CreateRun("run-1")
	src := filepath.Join(t.TempDir(), "logo.png")
	if err := os.WriteFile(src, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	stored, err := m.StoreImages(paths, []domain.ImageInput{{Name: "logo", Path: src, Description: "d"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(stored[0].Path, paths.InputDir) {
		t.Fatalf("image not stored under input dir: %s", stored[0].Path)
	}
	if _, err := os.Stat(stored[0].Path); err != nil {
		t.Fatalf("stored copy missing: %v", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	m, _ := artifacts.NewManager(t.TempDir())
	paths, _ := m.CreateRun("run-1")
	best := int64(2)
	in := domain.RunMetadata{
		RunID:         "run-1",
		Request:       domain.SlideRequest{Brief: "b"},
		Status:        domain.StageComplete,
		BestVersionID: &best,
	}
	if err := m.WriteMetadata(paths, in); err != nil {
		t.Fatal(err)
	}
	out, err := m.ReadMetadata("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.RunID != "run-1" || out.Status != domain.StageComplete || out.BestVersionID == nil || *out.BestVersionID != 2 {
		t.Fatalf("round trip = %+v", out)
	}
}
