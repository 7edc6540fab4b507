package scoring_test

import (
	"errors"
	"testing"

	"slidegen/internal/config"
	"slidegen/internal/scoring"
)

func TestAggregateStaysInRange(t *testing.T) {
	weightSets := []config.ScoreWeights{
		{Completeness: 0.3, ContentAccuracy: 0.3, LayoutMatch: 0.25, VisualQuality: 0.15},
		{Completeness: 1, ContentAccuracy: 0, LayoutMatch: 0, VisualQuality: 0},
		{Completeness: 0.25, ContentAccuracy: 0.25, LayoutMatch: 0.25, VisualQuality: 0.25},
	}
	scoreSets := []scoring.DimensionScores{
		{Completeness: 0, ContentAccuracy: 0, LayoutMatch: 0, VisualQuality: 0},
		{Completeness: 100, ContentAccuracy: 100, LayoutMatch: 100, VisualQuality: 100},
		{Completeness: 13.7, ContentAccuracy: 99.2, LayoutMatch: 50, VisualQuality: 0.01},
	}
	for _, w := range weightSets {
		for _, s := range scoreSets {
			got, err := scoring.Aggregate(s, w)
			if err != nil {
				t.Fatalf("aggregate: %v", err)
			}
			if got.Overall < 0 || got.Overall > 100 {
				t.Fatalf("overall %v out of range for weights %+v scores %+v", got.Overall, w, s)
			}
		}
	}
}

func TestAggregateWeightedSum(t *testing.T) {
	w := config.ScoreWeights{Completeness: 0.3, ContentAccuracy: 0.3, LayoutMatch: 0.25, VisualQuality: 0.15}
	got, err := scoring.Aggregate(scoring.DimensionScores{
		Completeness: 80, ContentAccuracy: 60, LayoutMatch: 40, VisualQuality: 100,
	}, w)
	if err != nil {
		t.Fatal(err)
	}
	want := 80*0.3 + 60*0.3 + 40*0.25 + 100*0.15
	if diff := got.Overall - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("overall = %v, want %v", got.Overall, want)
	}
}

func TestAggregateRejectsOutOfRangeInput(t *testing.T) {
	w := config.ScoreWeights{Completeness: 0.25, ContentAccuracy: 0.25, LayoutMatch: 0.25, VisualQuality: 0.25}
	_, err := scoring.Aggregate(scoring.DimensionScores{
		Completeness: 150, ContentAccuracy: 50, LayoutMatch: 50, VisualQuality: 50,
	}, w)
	var invalid *scoring.InvalidScoreError
	if !errors.As(err, &invalid) {
		t.Fatalf("want InvalidScoreError, got %v", err)
	}
	if invalid.Dimension != "completeness" || invalid.Value != 150 {
		t.Fatalf("unexpected error detail: %+v", invalid)
	}

	_, err = scoring.Aggregate(scoring.DimensionScores{
		Completeness: 50, ContentAccuracy: 50, LayoutMatch: -1, VisualQuality: 50,
	}, w)
	if !errors.As(err, &invalid) {
		t.Fatalf("want InvalidScoreError for negative input, got %v", err)
	}
}

func TestAggregateKeepsIssues(t *testing.T) {
	w := config.ScoreWeights{Completeness: 1}
	got, err := scoring.Aggregate(scoring.DimensionScores{
		Completeness: 70, Issues: []string{"missing footer"},
	}, w)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Issues) != 1 || got.Issues[0] != "missing footer" {
		t.Fatalf("issues not carried: %+v", got.Issues)
	}
}
