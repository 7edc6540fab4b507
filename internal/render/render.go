// Package render turns a generated .pptx artifact into a PNG screenshot.
// The live renderer converts the deck to HTML with LibreOffice and
// captures it in headless Chrome; the mock renderer writes a placeholder
// PNG so the pipeline runs on machines without either tool.
package render

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"slidegen/internal/config"
)

// Renderer produces a screenshot of an artifact at the given PNG path.
type Renderer interface {
	Render(ctx context.Context, artifactPath, screenshotPath string) error
}

// RenderError is one failed render attempt. Render failures never count
// against the script fix budget; they have their own retry budget.
type RenderError struct {
	Step string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Step, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Headless renders via soffice conversion plus a headless Chrome capture.
type Headless struct {
	Soffice     string
	ChromeFlags []string
	Timeout     time.Duration
	Log         *zap.Logger
}

// NewHeadless builds the live renderer from the host runtime config.
func NewHeadless(rt *config.Runtime, log *zap.Logger) *Headless {
	if log == nil {
		log = zap.NewNop()
	}
	return &Headless{
		Soffice:     rt.Render.Soffice,
		ChromeFlags: rt.Render.ChromeFlags,
		Timeout:     2 * time.Minute,
		Log:         log,
	}
}

func (h *Headless) Render(ctx context.Context, artifactPath, screenshotPath string) error {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	htmlPath, cleanup, err := h.convertToHTML(ctx, artifactPath)
	if err != nil {
		return err
	}
	defer cleanup()

	return h.capture(ctx, htmlPath, screenshotPath)
}

// convertToHTML runs soffice --headless into a fresh temp dir and returns
// the produced HTML file. The temp dir isolates concurrent conversions;
// soffice writes next to nothing predictable otherwise.
func (h *Headless) convertToHTML(ctx context.Context, artifactPath string) (htmlPath string, cleanup func(), err error) {
	outDir, err := os.MkdirTemp("", "slidegen-render-*")
	if err != nil {
		return "", nil, &RenderError{Step: "tempdir", Err: err}
	}
	cleanup = func() { os.RemoveAll(outDir) }

	cmd := exec.CommandContext(ctx, h.Soffice, "--headless", "--convert-to", "html", "--outdir", outDir, artifactPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		cleanup()
		return "", nil, &RenderError{Step: "convert", Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))}
	}

	base := strings.TrimSuffix(filepath.Base(artifactPath), filepath.Ext(artifactPath))
	htmlPath = filepath.Join(outDir, base+".html")
	if _, err := os.Stat(htmlPath); err != nil {
		cleanup()
		return "", nil, &RenderError{Step: "convert", Err: fmt.Errorf("no html output at %s", htmlPath)}
	}
	return htmlPath, cleanup, nil
}

func (h *Headless) capture(ctx context.Context, htmlPath, screenshotPath string) error {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	for _, flag := range h.ChromeFlags {
		opts = append(opts, chromedp.Flag(flag, true))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return &RenderError{Step: "capture", Err: err}
	}

	var shot []byte
	err = chromedp.Run(browserCtx,
		chromedp.Navigate("file://"+abs),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.FullScreenshot(&shot, 90),
	)
	if err != nil {
		return &RenderError{Step: "capture", Err: err}
	}
	if err := os.WriteFile(screenshotPath, shot, 0o644); err != nil {
		return &RenderError{Step: "capture", Err: err}
	}
	h.Log.Debug("captured screenshot", zap.String("path", screenshotPath), zap.Int("bytes", len(shot)))
	return nil
}

// Mock writes a fixed 1x1 PNG. It fails only when the artifact is missing,
// so orchestration paths behave the same as with the live renderer.
type Mock struct{}

// Smallest well-formed PNG: 1x1 opaque gray pixel.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x00, 0x00, 0x00, 0x00, 0x3a, 0x7e, 0x9b,
	0x55, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x63, 0x6a, 0x00, 0x00, 0x00,
	0x82, 0x00, 0x81, 0xcb, 0x13, 0xb2, 0x61, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

func (Mock) Render(_ context.Context, artifactPath, screenshotPath string) error {
	if _, err := os.Stat(artifactPath); err != nil {
		return &RenderError{Step: "input", Err: err}
	}
	if err := os.WriteFile(screenshotPath, placeholderPNG, 0o644); err != nil {
		return &RenderError{Step: "write", Err: err}
	}
	return nil
}
