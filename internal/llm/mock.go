package llm

import (
	"context"
	"fmt"
	"sync"

	"slidegen/internal/domain"
	"slidegen/internal/scoring"
)

// Mock is the deterministic Facade used when no API key is configured.
// Generated scripts build a minimal but valid .pptx with only the Python
// standard library, so mock runs pass artifact validation on any machine
// with an interpreter. Scores start below the default threshold and rise
// on each call, which exercises the improvement loop end to end.
type Mock struct {
	mu         sync.Mutex
	scoreCalls int
}

func NewMock() *Mock { return &Mock{} }

// mockScript accepts the same CLI contract as generated scripts:
// --output for the artifact path and --images for the name-to-path map.
const mockScript = `import argparse
import json
import zipfile

CONTENT_TYPES = """<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/ppt/presentation.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.presentation.main+xml"/>
<Override PartName="/ppt/slides/slide1.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slide+xml"/>
</Types>"""

SLIDE = """<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld><p:spTree>
<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr>
<p:grpSpPr/>
</p:spTree></p:cSld>
</p:sld>"""


def main():
    parser = argparse.ArgumentParser()
    parser.add_argument("--output", required=True)
    parser.add_argument("--images", required=True)
    args = parser.parse_args()

    with open(args.images) as f:
        images = json.load(f)
    print(f"building slide with {len(images)} image(s)")

    with zipfile.ZipFile(args.output, "w") as z:
        z.writestr("[Content_Types].xml", CONTENT_TYPES)
        z.writestr("ppt/presentation.xml", "<presentation/>")
        z.writestr("ppt/slides/slide1.xml", SLIDE)


if __name__ == "__main__":
    main()
`

func (m *Mock) GenerateInitial(_ context.Context, _ string, _ []domain.ImageInput, _ string) (GenerationResult, error) {
	return GenerationResult{Script: mockScript, RequestID: "mock-initial"}, nil
}

func (m *Mock) FixScript(_ context.Context, _ string, _ []domain.ImageInput, _, _ string) (GenerationResult, error) {
	return GenerationResult{Script: mockScript, RequestID: "mock-fix"}, nil
}

func (m *Mock) ImproveScript(_ context.Context, _ string, _ []domain.ImageInput, _ string, _ *domain.ScoreBreakdown, iterationIndex int, _, _ string) (GenerationResult, error) {
	script := mockScript + fmt.Sprintf("\n# revision %d\n", iterationIndex)
	return GenerationResult{Script: script, RequestID: fmt.Sprintf("mock-improve-%d", iterationIndex)}, nil
}

// ScoreSlide returns 72 on the first call and climbs by 7 per call,
// capped at 96.
func (m *Mock) ScoreSlide(_ context.Context, _ string, _ []domain.ImageInput, _, _ string) (scoring.DimensionScores, error) {
	m.mu.Lock()
	call := m.scoreCalls
	m.scoreCalls++
	m.mu.Unlock()

	base := 72.0 + float64(call)*7.0
	if base > 96 {
		base = 96
	}
	issues := []string{"title could be larger", "body text is dense"}
	if call > 0 {
		issues = issues[:1]
	}
	if base >= 90 {
		issues = nil
	}
	return scoring.DimensionScores{
		Completeness:    base,
		ContentAccuracy: base,
		LayoutMatch:     base,
		VisualQuality:   base,
		Issues:          issues,
	}, nil
}
