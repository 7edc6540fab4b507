package prompt_test

import (
	"strings"
	"testing"

	"slidegen/internal/prompt"
)

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	s := prompt.NewStore()
	out, err := s.Render("generate_initial", map[string]string{
		"brief":  "Quarterly revenue overview",
		"images": "- chart: revenue bar chart",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Quarterly revenue overview") {
		t.Fatal("brief not substituted")
	}
	if strings.Contains(out, "{brief}") || strings.Contains(out, "{images}") {
		t.Fatal("unsubstituted placeholders remain")
	}
}

func TestRenderInjectsSharedFragments(t *testing.T) {
	s := prompt.NewStore()
	shared, err := s.Get("shared_requirements")
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.Render("fix_script", map[string]string{
		"brief":          "b",
		"images":         "i",
		"failing_script": "print('x')",
		"error_log":      "boom",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, strings.TrimSpace(shared)) {
		t.Fatal("shared_requirements not injected")
	}
	if strings.Contains(out, "{shared_requirements}") {
		t.Fatal("shared placeholder remains")
	}
}

func TestRenderLeavesContextUntouched(t *testing.T) {
	s := prompt.NewStore()
	context := map[string]string{
		"brief":          "b",
		"images":         "i",
		"failing_script": "print('x')",
		"error_log":      "boom",
	}
	if _, err := s.Render("fix_script", context); err != nil {
		t.Fatal(err)
	}
	if len(context) != 4 {
		t.Fatalf("caller map grew to %d keys: %v", len(context), context)
	}
	if _, ok := context["shared_requirements"]; ok {
		t.Fatal("shared fragment leaked into the caller map")
	}
}

func TestGetUnknownTemplate(t *testing.T) {
	s := prompt.NewStore()
	if _, err := s.Get("no_such_template"); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestScorePromptKeepsJSONContract(t *testing.T) {
	s := prompt.NewStore()
	out, err := s.Render("score_slide", map[string]string{"brief": "b", "images": "i"})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"completeness", "content_accuracy", "layout_match", "visual_quality", "issues"} {
		if !strings.Contains(out, key) {
			t.Fatalf("score prompt missing %q", key)
		}
	}
}
