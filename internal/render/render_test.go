package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMockWritesPlaceholder(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "slide.pptx")
	if err := os.WriteFile(artifact, []byte("zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	shot := filepath.Join(dir, "slide.png")
	if err := (Mock{}).Render(context.Background(), artifact, shot); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(shot)
	if err != nil {
		t.Fatal(err)
	}
	// PNG signature
	if len(data) < 8 || data[0] != 0x89 || string(data[1:4]) != "PNG" {
		t.Fatalf("placeholder is not a PNG: % x", data[:8])
	}
}

func TestMockFailsOnMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	err := (Mock{}).Render(context.Background(), filepath.Join(dir, "missing.pptx"), filepath.Join(dir, "out.png"))
	var rerr *RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("want RenderError, got %v", err)
	}
	if rerr.Step != "input" {
		t.Fatalf("step = %q", rerr.Step)
	}
}

func TestHeadlessConvertFailure(t *testing.T) {
	dir := t.TempDir()
	h := &Headless{Soffice: filepath.Join(dir, "no-such-soffice")}
	artifact := filepath.Join(dir, "slide.pptx")
	if err := os.WriteFile(artifact, []byte("zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := h.Render(context.Background(), artifact, filepath.Join(dir, "out.png"))
	var rerr *RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("want RenderError, got %v", err)
	}
	if rerr.Step != "convert" {
		t.Fatalf("step = %q", rerr.Step)
	}
}
