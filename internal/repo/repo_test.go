package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"slidegen/internal/db"
	"slidegen/internal/domain"
	"slidegen/internal/migrate"
	"slidegen/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func seedRun(t *testing.T, r repo.Repo, ctx context.Context, id string) {
	t.Helper()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339)
	err := r.InsertRun(ctx, domain.Run{
		ID: id, Brief: "a slide", Status: domain.StageInitialGeneration,
		CreatedAt: ts, UpdatedAt: ts,
	}, domain.SlideRequest{
		Brief:  "a slide",
		Images: []domain.ImageInput{{Name: "logo", Path: "/tmp/logo.png", Description: "company logo"}},
	})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}
}

func TestVersionIDsStartAtOneAndIncrease(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")

	v1, err := r.CreateVersion(ctx, "run-1", domain.OriginInitial, nil, "/s/v1.py", "")
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if v1.VersionID != 1 {
		t.Fatalf("first version id = %d, want 1", v1.VersionID)
	}
	v2, err := r.CreateVersion(ctx, "run-1", domain.OriginFix, &v1.VersionID, "/s/v2.py", "")
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	if v2.VersionID != 2 {
		t.Fatalf("second version id = %d, want 2", v2.VersionID)
	}
	if v2.ParentID == nil || *v2.ParentID != 1 {
		t.Fatalf("v2 parent = %v, want 1", v2.ParentID)
	}
}

func TestOnlyFirstVersionMayBeParentless(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")
	if _, err := r.CreateVersion(ctx, "run-1", domain.OriginInitial, nil, "/s/v1.py", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateVersion(ctx, "run-1", domain.OriginFix, nil, "/s/v2.py", ""); err == nil {
		t.Fatal("parentless second version should fail")
	}
}

func TestParentMustExist(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")
	if _, err := r.CreateVersion(ctx, "run-1", domain.OriginInitial, nil, "/s/v1.py", ""); err != nil {
		t.Fatal(err)
	}
	missing := int64(42)
	_, err := r.CreateVersion(ctx, "run-1", domain.OriginFix, &missing, "/s/v2.py", "")
	if !errors.Is(err, repo.ErrParentNotFound) {
		t.Fatalf("want ErrParentNotFound, got %v", err)
	}
}

func TestVersionStatusIsWriteOnce(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")
	v, err := r.CreateVersion(ctx, "run-1", domain.OriginInitial, nil, "/s/v1.py", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.MarkVersionStatus(ctx, "run-1", v.VersionID, domain.StatusSuccess); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	err = r.MarkVersionStatus(ctx, "run-1", v.VersionID, domain.StatusFailure)
	if !errors.Is(err, repo.ErrStatusFinal) {
		t.Fatalf("want ErrStatusFinal, got %v", err)
	}
	if err := r.MarkVersionStatus(ctx, "run-1", v.VersionID, domain.StatusPending); err == nil {
		t.Fatal("pending is not a valid target status")
	}
}

func TestLineageTerminatesAtRoot(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")
	v1, _ := r.CreateVersion(ctx, "run-1", domain.OriginInitial, nil, "/s/v1.py", "")
	v2, _ := r.CreateVersion(ctx, "run-1", domain.OriginFix, &v1.VersionID, "/s/v2.py", "")
	v3, err := r.CreateVersion(ctx, "run-1", domain.OriginImprovement, &v2.VersionID, "/s/v3.py", "")
	if err != nil {
		t.Fatal(err)
	}
	chain, err := r.Lineage(ctx, "run-1", v3.VersionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("lineage length = %d, want 3", len(chain))
	}
	if chain[0].VersionID != 1 || chain[0].ParentID != nil {
		t.Fatalf("lineage does not start at root: %+v", chain[0])
	}
	if chain[2].VersionID != v3.VersionID {
		t.Fatalf("lineage does not end at v3: %+v", chain[2])
	}
}

func TestSealedRunRejectsWrites(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")
	v, _ := r.CreateVersion(ctx, "run-1", domain.OriginInitial, nil, "/s/v1.py", "")
	if err := r.MarkVersionStatus(ctx, "run-1", v.VersionID, domain.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	best := v.VersionID
	if err := r.SealRun(ctx, tx, "run-1", domain.StageComplete, &best); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, err := r.CreateVersion(ctx, "run-1", domain.OriginFix, &v.VersionID, "/s/v2.py", ""); !errors.Is(err, repo.ErrRunSealed) {
		t.Fatalf("create after seal: want ErrRunSealed, got %v", err)
	}
	if _, err := r.InsertIteration(ctx, "run-1", domain.IterationRecord{
		Stage: domain.StageExecute, ScriptVersionID: v.VersionID,
	}); !errors.Is(err, repo.ErrRunSealed) {
		t.Fatalf("iteration after seal: want ErrRunSealed, got %v", err)
	}

	run, err := r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.BestVersionID == nil || *run.BestVersionID != best {
		t.Fatalf("best version = %v, want %d", run.BestVersionID, best)
	}
	if run.SealedAt == "" {
		t.Fatal("sealed_at not set")
	}
}

func TestSealRequiresTerminalStage(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.SealRun(ctx, tx, "run-1", domain.StageScore, nil); err == nil {
		t.Fatal("sealing on a non-terminal stage should fail")
	}
}

func TestIterationSeqAndScoreRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")
	v, _ := r.CreateVersion(ctx, "run-1", domain.OriginInitial, nil, "/s/v1.py", "")
	code := 0
	seq, err := r.InsertIteration(ctx, "run-1", domain.IterationRecord{
		Stage:           domain.StageExecute,
		ScriptVersionID: v.VersionID,
		Execution:       domain.ExecutionOutcome{Success: true, ExitCode: &code, ArtifactPath: "/o/slide_v1.pptx", DurationMS: 1234},
	})
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("first seq = %d, want 1", seq)
	}
	if err := r.SetIterationScreenshot(ctx, "run-1", seq, "/o/slide_v1.png"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetIterationScore(ctx, "run-1", seq, domain.ScoreBreakdown{
		Completeness: 80, ContentAccuracy: 70, LayoutMatch: 60, VisualQuality: 90,
		Overall: 74.5, Issues: []string{"tight margins"},
	}); err != nil {
		t.Fatal(err)
	}

	items, err := r.ListIterations(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("iterations = %d, want 1", len(items))
	}
	it := items[0]
	if !it.Execution.Success || it.Execution.DurationMS != 1234 {
		t.Fatalf("execution not round-tripped: %+v", it.Execution)
	}
	if it.ScreenshotPath != "/o/slide_v1.png" {
		t.Fatalf("screenshot = %q", it.ScreenshotPath)
	}
	if it.Score == nil || it.Score.Overall != 74.5 || len(it.Score.Issues) != 1 {
		t.Fatalf("score not round-tripped: %+v", it.Score)
	}
}

func TestMetadataAssembly(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")
	v, _ := r.CreateVersion(ctx, "run-1", domain.OriginInitial, nil, "/s/v1.py", "req-1")
	seq, _ := r.InsertIteration(ctx, "run-1", domain.IterationRecord{
		Stage: domain.StageExecute, ScriptVersionID: v.VersionID,
		Execution: domain.ExecutionOutcome{Success: true},
	})
	_ = r.SetIterationScore(ctx, "run-1", seq, domain.ScoreBreakdown{Overall: 88, Completeness: 88, ContentAccuracy: 88, LayoutMatch: 88, VisualQuality: 88})
	tx, _ := r.DB.BeginTx(ctx, nil)
	best := v.VersionID
	if err := r.SealRun(ctx, tx, "run-1", domain.StageComplete, &best); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	md, err := r.Metadata(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if md.Status != domain.StageComplete {
		t.Fatalf("status = %s", md.Status)
	}
	if len(md.ScriptVersions) != 1 || len(md.Iterations) != 1 {
		t.Fatalf("unexpected metadata shape: %d versions, %d iterations", len(md.ScriptVersions), len(md.Iterations))
	}
	if md.BestScore == nil || md.BestScore.Overall != 88 {
		t.Fatalf("best score = %+v", md.BestScore)
	}
	want := domain.SlideRequest{
		Brief:  "a slide",
		Images: []domain.ImageInput{{Name: "logo", Path: "/tmp/logo.png", Description: "company logo"}},
	}
	if diff := cmp.Diff(want, md.Request); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestGetRunNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetRun(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
