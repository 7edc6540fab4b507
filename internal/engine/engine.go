// Package engine drives a slide run through its pipeline: generate a
// script, execute it in the sandbox, repair on failure, render, score,
// and improve until the threshold or the budgets are hit.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"slidegen/internal/artifacts"
	"slidegen/internal/config"
	"slidegen/internal/domain"
	"slidegen/internal/events"
	"slidegen/internal/llm"
	"slidegen/internal/render"
	"slidegen/internal/repo"
	"slidegen/internal/sandbox"
	"slidegen/internal/scoring"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Settings  *config.Settings
	Runtime   *config.Runtime
	Artifacts *artifacts.Manager
	LLM       llm.Facade
	Renderer  render.Renderer
	Log       *zap.Logger
	Now       func() time.Time
}

func New(db *sql.DB, settings *config.Settings, rt *config.Runtime, store *artifacts.Manager, facade llm.Facade, renderer render.Renderer, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Settings:  settings,
		Runtime:   rt,
		Artifacts: store,
		LLM:       facade,
		Renderer:  renderer,
		Log:       log,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func ensureStageTransition(oldStage, newStage domain.Stage) error {
	switch oldStage {
	case domain.StageInitialGeneration:
		if newStage == domain.StageExecute || newStage == domain.StageFailedScript {
			return nil
		}
	case domain.StageExecute:
		if newStage == domain.StageRender || newStage == domain.StageFixLoop || newStage == domain.StageFailedScript {
			return nil
		}
	case domain.StageFixLoop:
		if newStage == domain.StageExecute || newStage == domain.StageFailedScript {
			return nil
		}
	case domain.StageRender:
		if newStage == domain.StageScore || newStage == domain.StageComplete || newStage == domain.StageFailedRender {
			return nil
		}
	case domain.StageScore:
		if newStage == domain.StageComplete || newStage == domain.StageImprovementLoop || newStage == domain.StageFailedScript {
			return nil
		}
	case domain.StageImprovementLoop:
		if newStage == domain.StageExecute || newStage == domain.StageFailedScript {
			return nil
		}
	}
	return fmt.Errorf("invalid run stage transition %s -> %s", oldStage, newStage)
}

// StartOptions are the inputs of one run.
type StartOptions struct {
	RunID   string
	Request domain.SlideRequest
}

// StartRun creates the run directory tree, copies the inputs into it, and
// records the run header.
func (e Engine) StartRun(ctx context.Context, opts StartOptions) (domain.Run, artifacts.RunPaths, error) {
	if opts.Request.Brief == "" {
		return domain.Run{}, artifacts.RunPaths{}, errors.New("brief is required")
	}
	seen := make(map[string]bool, len(opts.Request.Images))
	for _, img := range opts.Request.Images {
		if img.Name == "" {
			return domain.Run{}, artifacts.RunPaths{}, errors.New("image name is required")
		}
		if seen[img.Name] {
			return domain.Run{}, artifacts.RunPaths{}, fmt.Errorf("duplicate image name %q", img.Name)
		}
		seen[img.Name] = true
	}

	paths, err := e.Artifacts.CreateRun(opts.RunID)
	if err != nil {
		return domain.Run{}, artifacts.RunPaths{}, err
	}
	if _, err := e.Artifacts.PersistBrief(paths, opts.Request.Brief); err != nil {
		return domain.Run{}, artifacts.RunPaths{}, err
	}
	req := opts.Request
	req.Images, err = e.Artifacts.StoreImages(paths, req.Images)
	if err != nil {
		return domain.Run{}, artifacts.RunPaths{}, err
	}
	req.ReferenceImage, err = e.Artifacts.StoreReferenceImage(paths, req.ReferenceImage)
	if err != nil {
		return domain.Run{}, artifacts.RunPaths{}, err
	}

	ts := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        paths.RunID,
		Brief:     req.Brief,
		Status:    domain.StageInitialGeneration,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := e.Repo.InsertRun(ctx, run, req); err != nil {
		return domain.Run{}, artifacts.RunPaths{}, err
	}
	if err := e.appendEvent(ctx, "run.created", run.ID, "run", run.ID, events.EventPayload{"brief_len": len(req.Brief), "images": len(req.Images)}); err != nil {
		return domain.Run{}, artifacts.RunPaths{}, err
	}
	e.Log.Info("run created", zap.String("run_id", run.ID), zap.Int("images", len(req.Images)))
	return run, paths, nil
}

// Execute drives a started run to a terminal stage and returns its sealed
// metadata. Recoverable failures are absorbed by the loop budgets; only
// contract violations and infrastructure failures surface as errors.
func (e Engine) Execute(ctx context.Context, runID string, paths artifacts.RunPaths) (domain.RunMetadata, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.RunMetadata{}, err
	}
	if run.Status.Terminal() {
		return domain.RunMetadata{}, fmt.Errorf("run %s already sealed at %s", runID, run.Status)
	}
	req, err := e.Repo.GetRequest(ctx, runID)
	if err != nil {
		return domain.RunMetadata{}, err
	}
	imageMap := make(map[string]string, len(req.Images))
	for _, img := range req.Images {
		imageMap[img.Name] = img.Path
	}
	runner := sandbox.Runner{
		Interpreter: e.Runtime.Execution.Interpreter,
		Args:        e.Runtime.Execution.Args,
		WorkDir:     paths.BaseDir,
		Timeout:     e.Settings.Behavior.ExecutionTimeout,
		Logger:      e.Log,
	}

	st := &runState{
		runID:    runID,
		paths:    paths,
		req:      req,
		imageMap: imageMap,
		runner:   runner,
		stage:    run.Status,
	}

	cur, err := e.newVersion(ctx, st, domain.OriginInitial, nil, func(ctx context.Context) (llm.GenerationResult, error) {
		return e.LLM.GenerateInitial(ctx, req.Brief, req.Images, req.ReferenceImage)
	})
	if err != nil {
		return e.sealAndReport(ctx, st, domain.StageFailedScript)
	}

	for {
		iterStage := domain.StageExecute
		if cur.Origin == domain.OriginFix {
			iterStage = domain.StageFixLoop
		}
		if err := e.setStage(ctx, st, domain.StageExecute); err != nil {
			return domain.RunMetadata{}, err
		}
		outcome, seq, err := e.executeVersion(ctx, st, cur, iterStage)
		if err != nil {
			return domain.RunMetadata{}, err
		}

		if !outcome.Success {
			if st.fixAttempts >= e.Settings.Behavior.MaxScriptRetries {
				e.Log.Error("fix budget exhausted",
					zap.String("run_id", runID),
					zap.Int64("version", cur.VersionID),
					zap.String("error_kind", string(outcome.ErrorKind)))
				return e.sealAndReport(ctx, st, domain.StageFailedScript)
			}
			st.fixAttempts++
			if err := e.setStage(ctx, st, domain.StageFixLoop); err != nil {
				return domain.RunMetadata{}, err
			}
			failing := cur
			errLog := outcome.Stderr
			script, err := e.Artifacts.ReadScript(failing.Path)
			if err != nil {
				return domain.RunMetadata{}, err
			}
			cur, err = e.newVersion(ctx, st, domain.OriginFix, &failing.VersionID, func(ctx context.Context) (llm.GenerationResult, error) {
				return e.LLM.FixScript(ctx, req.Brief, req.Images, script, errLog)
			})
			if err != nil {
				return e.sealAndReport(ctx, st, domain.StageFailedScript)
			}
			continue
		}

		if err := e.setStage(ctx, st, domain.StageRender); err != nil {
			return domain.RunMetadata{}, err
		}
		screenshot, renderErr := e.renderWithRetry(ctx, st, outcome.ArtifactPath, cur.VersionID)
		if renderErr != nil {
			// The failed version is never selectable; earlier scored
			// versions still are.
			if len(st.scored) > 0 {
				return e.sealAndReport(ctx, st, domain.StageComplete)
			}
			e.Log.Error("render budget exhausted", zap.String("run_id", runID), zap.Int64("version", cur.VersionID), zap.Error(renderErr))
			return e.sealAndReport(ctx, st, domain.StageFailedRender)
		}
		if err := e.Repo.SetIterationScreenshot(ctx, runID, seq, screenshot); err != nil {
			return domain.RunMetadata{}, err
		}

		if err := e.setStage(ctx, st, domain.StageScore); err != nil {
			return domain.RunMetadata{}, err
		}
		breakdown, scoreErr := e.scoreVersion(ctx, st, screenshot)
		if scoreErr != nil {
			var invalid *scoring.InvalidScoreError
			if errors.As(scoreErr, &invalid) {
				// Contract violation, never absorbed by budgets.
				return domain.RunMetadata{}, scoreErr
			}
			return e.sealAndReport(ctx, st, domain.StageFailedScript)
		}
		if err := e.Repo.SetIterationScore(ctx, runID, seq, breakdown); err != nil {
			return domain.RunMetadata{}, err
		}
		st.scored = append(st.scored, scoredVersion{id: cur.VersionID, overall: breakdown.Overall})
		if err := e.appendEvent(ctx, "score.recorded", runID, "version", fmt.Sprintf("%d", cur.VersionID),
			events.EventPayload{"overall": breakdown.Overall}); err != nil {
			return domain.RunMetadata{}, err
		}
		e.writeMetadata(ctx, st)
		e.Log.Info("version scored",
			zap.String("run_id", runID),
			zap.Int64("version", cur.VersionID),
			zap.Float64("overall", breakdown.Overall))

		if breakdown.Overall >= e.Settings.Behavior.TargetScoreThreshold {
			return e.sealAndReport(ctx, st, domain.StageComplete)
		}
		if st.improveIters >= e.Settings.Behavior.MaxImprovementIterations {
			return e.sealAndReport(ctx, st, domain.StageComplete)
		}
		st.improveIters++
		if err := e.setStage(ctx, st, domain.StageImprovementLoop); err != nil {
			return domain.RunMetadata{}, err
		}
		prev := cur
		prevScript, err := e.Artifacts.ReadScript(prev.Path)
		if err != nil {
			return domain.RunMetadata{}, err
		}
		feedback := breakdown
		iter := st.improveIters
		cur, err = e.newVersion(ctx, st, domain.OriginImprovement, &prev.VersionID, func(ctx context.Context) (llm.GenerationResult, error) {
			return e.LLM.ImproveScript(ctx, req.Brief, req.Images, prevScript, &feedback, iter, screenshot, req.ReferenceImage)
		})
		if err != nil {
			return e.sealAndReport(ctx, st, domain.StageFailedScript)
		}
	}
}

// Run is the full operation: create the run and drive it to completion.
func (e Engine) Run(ctx context.Context, opts StartOptions) (domain.RunMetadata, error) {
	_, paths, err := e.StartRun(ctx, opts)
	if err != nil {
		return domain.RunMetadata{}, err
	}
	return e.Execute(ctx, paths.RunID, paths)
}

type scoredVersion struct {
	id      int64
	overall float64
}

type runState struct {
	runID        string
	paths        artifacts.RunPaths
	req          domain.SlideRequest
	imageMap     map[string]string
	runner       sandbox.Runner
	stage        domain.Stage
	fixAttempts  int
	improveIters int
	scored       []scoredVersion
	lastVersion  int64
}

// newVersion calls the generator, persists the returned script, and
// records the version row. Generation failures consume fix attempts; an
// error return means the budget is exhausted and the run must fail.
func (e Engine) newVersion(ctx context.Context, st *runState, origin domain.ScriptOrigin, parentID *int64, generate func(context.Context) (llm.GenerationResult, error)) (domain.ScriptVersion, error) {
	var gen llm.GenerationResult
	for {
		var err error
		gen, err = generate(ctx)
		if err == nil {
			break
		}
		if st.fixAttempts >= e.Settings.Behavior.MaxScriptRetries {
			e.Log.Error("generation failed, fix budget exhausted", zap.String("run_id", st.runID), zap.Error(err))
			return domain.ScriptVersion{}, err
		}
		st.fixAttempts++
		e.Log.Warn("generation failed, retrying",
			zap.String("run_id", st.runID),
			zap.Int("fix_attempts", st.fixAttempts),
			zap.Error(err))
	}

	expected := st.lastVersion + 1
	path, err := e.Artifacts.PersistScript(st.paths, expected, origin, gen.Script)
	if err != nil {
		return domain.ScriptVersion{}, err
	}
	v, err := e.Repo.CreateVersion(ctx, st.runID, origin, parentID, path, gen.RequestID)
	if err != nil {
		return domain.ScriptVersion{}, err
	}
	if v.VersionID != expected {
		return domain.ScriptVersion{}, fmt.Errorf("version id drift: persisted %d, allocated %d", expected, v.VersionID)
	}
	st.lastVersion = v.VersionID
	if err := e.appendEvent(ctx, "version.created", st.runID, "version", fmt.Sprintf("%d", v.VersionID),
		events.EventPayload{"origin": string(origin)}); err != nil {
		return domain.ScriptVersion{}, err
	}
	e.writeMetadata(ctx, st)
	return v, nil
}

func (e Engine) executeVersion(ctx context.Context, st *runState, v domain.ScriptVersion, iterStage domain.Stage) (domain.ExecutionOutcome, int, error) {
	outcome, err := st.runner.Run(ctx, v.Path, st.imageMap,
		e.Artifacts.ImageMapPath(st.paths, v.VersionID),
		e.Artifacts.ArtifactPath(st.paths, v.VersionID))
	if err != nil {
		return domain.ExecutionOutcome{}, 0, err
	}
	if err := e.Artifacts.PersistExecutionLogs(st.paths, v.VersionID, outcome.Stdout, outcome.Stderr); err != nil {
		return domain.ExecutionOutcome{}, 0, err
	}
	status := domain.StatusFailure
	if outcome.Success {
		status = domain.StatusSuccess
	}
	if err := e.Repo.MarkVersionStatus(ctx, st.runID, v.VersionID, status); err != nil {
		return domain.ExecutionOutcome{}, 0, err
	}
	seq, err := e.Repo.InsertIteration(ctx, st.runID, domain.IterationRecord{
		Stage:           iterStage,
		ScriptVersionID: v.VersionID,
		Execution:       outcome,
	})
	if err != nil {
		return domain.ExecutionOutcome{}, 0, err
	}
	if err := e.appendEvent(ctx, "version.executed", st.runID, "version", fmt.Sprintf("%d", v.VersionID),
		events.EventPayload{"success": outcome.Success, "error_kind": string(outcome.ErrorKind), "duration_ms": outcome.DurationMS}); err != nil {
		return domain.ExecutionOutcome{}, 0, err
	}
	e.writeMetadata(ctx, st)
	return outcome, seq, nil
}

// renderWithRetry tries the renderer up to 1+MaxRenderRetries times. The
// render budget is its own; it never consumes fix or improvement attempts.
func (e Engine) renderWithRetry(ctx context.Context, st *runState, artifactPath string, versionID int64) (string, error) {
	screenshot := e.Artifacts.ScreenshotPath(st.paths, versionID)
	var lastErr error
	for attempt := 0; attempt <= e.Settings.Behavior.MaxRenderRetries; attempt++ {
		lastErr = e.Renderer.Render(ctx, artifactPath, screenshot)
		if lastErr == nil {
			if err := e.appendEvent(ctx, "render.captured", st.runID, "version", fmt.Sprintf("%d", versionID),
				events.EventPayload{"attempt": attempt + 1}); err != nil {
				return "", err
			}
			return screenshot, nil
		}
		e.Log.Warn("render attempt failed",
			zap.String("run_id", st.runID),
			zap.Int64("version", versionID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return "", lastErr
}

// scoreVersion obtains dimension scores and aggregates them. A failed
// score call consumes a fix attempt and is retried; there is no script to
// repair, so exhaustion fails the run.
func (e Engine) scoreVersion(ctx context.Context, st *runState, screenshot string) (domain.ScoreBreakdown, error) {
	for {
		dims, err := e.LLM.ScoreSlide(ctx, st.req.Brief, st.req.Images, screenshot, st.req.ReferenceImage)
		if err != nil {
			if st.fixAttempts >= e.Settings.Behavior.MaxScriptRetries {
				e.Log.Error("scoring failed, fix budget exhausted", zap.String("run_id", st.runID), zap.Error(err))
				return domain.ScoreBreakdown{}, err
			}
			st.fixAttempts++
			e.Log.Warn("scoring failed, retrying", zap.String("run_id", st.runID), zap.Int("fix_attempts", st.fixAttempts), zap.Error(err))
			continue
		}
		return scoring.Aggregate(dims, e.Settings.Weights)
	}
}

func (e Engine) setStage(ctx context.Context, st *runState, stage domain.Stage) error {
	if st.stage == stage {
		return nil
	}
	if err := ensureStageTransition(st.stage, stage); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRunStatus(ctx, tx, st.runID, stage); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.stage", st.runID, "run", st.runID,
		events.EventPayload{"from": string(st.stage), "to": string(stage)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Debug("run stage", zap.String("run_id", st.runID), zap.String("from", string(st.stage)), zap.String("to", string(stage)))
	st.stage = stage
	return nil
}

// sealAndReport moves the run to a terminal stage with the best version
// pointer and writes the final metadata record.
func (e Engine) sealAndReport(ctx context.Context, st *runState, stage domain.Stage) (domain.RunMetadata, error) {
	if err := ensureStageTransition(st.stage, stage); err != nil {
		return domain.RunMetadata{}, err
	}
	best := bestVersion(st.scored)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunMetadata{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SealRun(ctx, tx, st.runID, stage, best); err != nil {
		return domain.RunMetadata{}, err
	}
	payload := events.EventPayload{"stage": string(stage)}
	if best != nil {
		payload["best_version_id"] = *best
	}
	if err := e.Events.Append(ctx, tx, "run.sealed", st.runID, "run", st.runID, payload); err != nil {
		return domain.RunMetadata{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RunMetadata{}, err
	}
	st.stage = stage

	md, err := e.Repo.Metadata(ctx, st.runID)
	if err != nil {
		return domain.RunMetadata{}, err
	}
	if err := e.Artifacts.WriteMetadata(st.paths, md); err != nil {
		return domain.RunMetadata{}, err
	}
	e.Log.Info("run sealed", zap.String("run_id", st.runID), zap.String("stage", string(stage)))
	return md, nil
}

// bestVersion picks the highest overall score; ties go to the earliest
// version id. Versions that never rendered have no score and are never
// candidates.
func bestVersion(scored []scoredVersion) *int64 {
	var best *scoredVersion
	for i := range scored {
		if best == nil || scored[i].overall > best.overall ||
			(scored[i].overall == best.overall && scored[i].id < best.id) {
			best = &scored[i]
		}
	}
	if best == nil {
		return nil
	}
	id := best.id
	return &id
}

func (e Engine) appendEvent(ctx context.Context, evtType, runID, entityKind, entityID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, runID, entityKind, entityID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// writeMetadata refreshes metadata.json mid-run. Failures are logged, not
// fatal; the record is rewritten on the next step and at seal time.
func (e Engine) writeMetadata(ctx context.Context, st *runState) {
	md, err := e.Repo.Metadata(ctx, st.runID)
	if err != nil {
		e.Log.Warn("metadata refresh failed", zap.String("run_id", st.runID), zap.Error(err))
		return
	}
	if err := e.Artifacts.WriteMetadata(st.paths, md); err != nil {
		e.Log.Warn("metadata write failed", zap.String("run_id", st.runID), zap.Error(err))
	}
}
