// Package scoring turns per-dimension judgments into the single overall
// score the orchestrator decides on.
package scoring

import (
	"fmt"

	"slidegen/internal/config"
	"slidegen/internal/domain"
)

// DimensionScores are the raw judge outputs, each in [0,100].
type DimensionScores struct {
	Completeness    float64
	ContentAccuracy float64
	LayoutMatch     float64
	VisualQuality   float64
	Issues          []string
}

// InvalidScoreError reports a dimension score outside [0,100]. Out-of-range
// input is a caller contract violation and is never clamped, so upstream
// bugs stay visible.
type InvalidScoreError struct {
	Dimension string
	Value     float64
}

func (e *InvalidScoreError) Error() string {
	return fmt.Sprintf("score %s=%g out of range [0,100]", e.Dimension, e.Value)
}

// Aggregate combines the dimension scores into one overall score using the
// configured weights. Pure and deterministic; only its own output is
// clamped to [0,100]. Weight validity (non-negative, summing to 1) is a
// startup invariant enforced by the configuration layer.
func Aggregate(scores DimensionScores, weights config.ScoreWeights) (domain.ScoreBreakdown, error) {
	for _, d := range []struct {
		name  string
		value float64
	}{
		{"completeness", scores.Completeness},
		{"content_accuracy", scores.ContentAccuracy},
		{"layout_match", scores.LayoutMatch},
		{"visual_quality", scores.VisualQuality},
	} {
		if d.value < 0 || d.value > 100 {
			return domain.ScoreBreakdown{}, &InvalidScoreError{Dimension: d.name, Value: d.value}
		}
	}
	overall := scores.Completeness*weights.Completeness +
		scores.ContentAccuracy*weights.ContentAccuracy +
		scores.LayoutMatch*weights.LayoutMatch +
		scores.VisualQuality*weights.VisualQuality
	if overall < 0 {
		overall = 0
	}
	if overall > 100 {
		overall = 100
	}
	return domain.ScoreBreakdown{
		Completeness:    scores.Completeness,
		ContentAccuracy: scores.ContentAccuracy,
		LayoutMatch:     scores.LayoutMatch,
		VisualQuality:   scores.VisualQuality,
		Overall:         overall,
		Issues:          scores.Issues,
	}, nil
}
