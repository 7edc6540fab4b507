// Package llm exposes the model capabilities the orchestrator consumes:
// script generation, repair, improvement, and visual scoring. Both a live
// OpenAI-backed client and a deterministic mock implement Facade, so the
// full pipeline runs without network access.
package llm

import (
	"context"
	"fmt"
	"strings"

	"slidegen/internal/domain"
	"slidegen/internal/scoring"
)

// GenerationResult is one returned script plus the provider request id
// used for tracing.
type GenerationResult struct {
	Script    string
	RequestID string
}

// Facade is the narrow model interface the orchestrator drives.
type Facade interface {
	GenerateInitial(ctx context.Context, brief string, images []domain.ImageInput, referenceImage string) (GenerationResult, error)
	FixScript(ctx context.Context, brief string, images []domain.ImageInput, failingScript, errorLog string) (GenerationResult, error)
	ImproveScript(ctx context.Context, brief string, images []domain.ImageInput, previousScript string, feedback *domain.ScoreBreakdown, iterationIndex int, renderedImage, referenceImage string) (GenerationResult, error)
	ScoreSlide(ctx context.Context, brief string, images []domain.ImageInput, renderedImage, referenceImage string) (scoring.DimensionScores, error)
}

// Error classifies a failed model call. Transient errors may be retried by
// the caller; the orchestrator treats any surfaced failure like an
// execution failure for fix-loop accounting.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("llm %s (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FormatImages renders the image list the way the prompt templates expect.
func FormatImages(images []domain.ImageInput) string {
	if len(images) == 0 {
		return "(no images provided)"
	}
	var b strings.Builder
	for _, img := range images {
		fmt.Fprintf(&b, "- %s: %s\n", img.Name, img.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatScore renders score feedback for the improvement prompt.
func FormatScore(score *domain.ScoreBreakdown) string {
	if score == nil {
		return "No prior score available."
	}
	text := fmt.Sprintf("Completeness=%.1f, Content Accuracy=%.1f, Layout Match=%.1f, Visual Quality=%.1f, Overall=%.1f",
		score.Completeness, score.ContentAccuracy, score.LayoutMatch, score.VisualQuality, score.Overall)
	if len(score.Issues) > 0 {
		text += "\nIssues:\n- " + strings.Join(score.Issues, "\n- ")
	}
	return text
}
