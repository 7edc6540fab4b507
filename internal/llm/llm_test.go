package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"slidegen/internal/config"
	"slidegen/internal/domain"
	"slidegen/internal/prompt"
)

func TestExtractCode(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"print('hi')", "print('hi')"},
		{"```python\nprint('hi')\n```", "print('hi')"},
		{"```\nprint('hi')\n```", "print('hi')"},
		{"Here is the script:\n```python\nx = 1\ny = 2\n```\nEnjoy!", "x = 1\ny = 2"},
	}
	for _, c := range cases {
		if got := ExtractCode(c.in); got != c.want {
			t.Fatalf("ExtractCode(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	in := "Sure! Here you go:\n```json\n{\"completeness\": 80}\n```"
	got := extractJSON(in)
	var parsed map[string]float64
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("extracted %q is not JSON: %v", got, err)
	}
	if parsed["completeness"] != 80 {
		t.Fatalf("parsed = %v", parsed)
	}
}

func TestFormatImages(t *testing.T) {
	if got := FormatImages(nil); !strings.Contains(got, "no images") {
		t.Fatalf("empty list = %q", got)
	}
	got := FormatImages([]domain.ImageInput{{Name: "logo", Description: "company logo"}})
	if !strings.Contains(got, "logo: company logo") {
		t.Fatalf("formatted = %q", got)
	}
}

func TestFormatScore(t *testing.T) {
	if got := FormatScore(nil); !strings.Contains(got, "No prior score") {
		t.Fatalf("nil score = %q", got)
	}
	got := FormatScore(&domain.ScoreBreakdown{Overall: 74.5, Issues: []string{"tight margins"}})
	if !strings.Contains(got, "74.5") || !strings.Contains(got, "tight margins") {
		t.Fatalf("formatted = %q", got)
	}
}

func TestMockScoresClimb(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	var prev float64 = -1
	for i := 0; i < 5; i++ {
		dims, err := m.ScoreSlide(ctx, "b", nil, "/tmp/shot.png", "")
		if err != nil {
			t.Fatal(err)
		}
		if dims.Completeness < prev {
			t.Fatalf("score dropped: %v after %v", dims.Completeness, prev)
		}
		if dims.Completeness > 96 {
			t.Fatalf("score above cap: %v", dims.Completeness)
		}
		prev = dims.Completeness
	}
	gen, err := m.GenerateInitial(ctx, "b", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gen.Script, "--output") || !strings.Contains(gen.Script, "--images") {
		t.Fatal("mock script does not honor the CLI contract")
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(config.OpenAIConfig{
		APIKey:       "sk-test",
		BaseURL:      srv.URL,
		DefaultModel: "gpt-4o-mini",
		VisionModel:  "gpt-4o-mini",
	}, prompt.NewStore(), nil)
}

func TestScoreSlideParsesResponse(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "req-123",
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": `{"completeness": 90, "content_accuracy": 80, "layout_match": 70, "visual_quality": 60, "issues": ["left margin"]}`,
				},
			}},
		})
	})

	shot := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(shot, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	dims, err := client.ScoreSlide(context.Background(), "brief", nil, shot, "")
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if dims.Completeness != 90 || dims.VisualQuality != 60 {
		t.Fatalf("dims = %+v", dims)
	}
	if len(dims.Issues) != 1 || dims.Issues[0] != "left margin" {
		t.Fatalf("issues = %v", dims.Issues)
	}
}

func TestGenerateInitialStripsFence(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "req-9",
			"choices": []map[string]any{{
				"message": map[string]any{"content": "```python\nprint('slide')\n```"},
			}},
		})
	})
	got, err := client.GenerateInitial(context.Background(), "brief", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Script != "print('slide')" {
		t.Fatalf("script = %q", got.Script)
	}
	if got.RequestID != "req-9" {
		t.Fatalf("request id = %q", got.RequestID)
	}
}

func TestClientFailsFastOnBadRequest(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error": {"message": "bad model"}}`, http.StatusBadRequest)
	})
	_, err := client.GenerateInitial(context.Background(), "brief", nil, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("4xx retried %d times", calls)
	}
	var llmErr *Error
	if !errors.As(err, &llmErr) {
		t.Fatalf("want *Error, got %T", err)
	}
	if llmErr.Transient {
		t.Fatal("4xx should be fatal, not transient")
	}
}

func TestClientRequiresAPIKey(t *testing.T) {
	client := NewOpenAIClient(config.OpenAIConfig{BaseURL: "http://127.0.0.1:0"}, prompt.NewStore(), nil)
	if _, err := client.GenerateInitial(context.Background(), "brief", nil, ""); err == nil {
		t.Fatal("missing api key should fail")
	}
}
