package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"slidegen/internal/domain"
)

// InsertIteration appends one pipeline step record. Seq is allocated
// monotonically per run.
func (r Repo) InsertIteration(ctx context.Context, runID string, rec domain.IterationRecord) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := r.ensureUnsealed(ctx, tx, runID); err != nil {
		return 0, err
	}
	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0)+1 FROM iterations WHERE run_id=?`, runID).Scan(&seq); err != nil {
		return 0, err
	}
	exec := rec.Execution
	var exitCode any
	if exec.ExitCode != nil {
		exitCode = *exec.ExitCode
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO iterations(run_id,seq,stage,script_version_id,exec_success,exec_exit_code,exec_error_kind,exec_artifact,exec_stdout,exec_stderr,exec_duration_ms,created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		runID, seq, string(rec.Stage), rec.ScriptVersionID, boolToInt(exec.Success), exitCode,
		nullable(string(exec.ErrorKind)), nullable(exec.ArtifactPath), exec.Stdout, exec.Stderr,
		exec.DurationMS, now()); err != nil {
		return 0, fmt.Errorf("insert iteration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// SetIterationScreenshot records the rendered image for a step.
func (r Repo) SetIterationScreenshot(ctx context.Context, runID string, seq int, path string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.ensureUnsealed(ctx, tx, runID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE iterations SET screenshot_path=? WHERE run_id=? AND seq=?`, path, runID, seq)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// SetIterationScore records the score breakdown for a step.
func (r Repo) SetIterationScore(ctx context.Context, runID string, seq int, score domain.ScoreBreakdown) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.ensureUnsealed(ctx, tx, runID); err != nil {
		return err
	}
	issues, err := json.Marshal(score.Issues)
	if err != nil {
		return fmt.Errorf("marshal score issues: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE iterations SET score_completeness=?, score_content_accuracy=?, score_layout_match=?, score_visual_quality=?, score_overall=?, score_issues_json=? WHERE run_id=? AND seq=?`,
		score.Completeness, score.ContentAccuracy, score.LayoutMatch, score.VisualQuality, score.Overall, string(issues), runID, seq)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ListIterations returns all step records of a run in order.
func (r Repo) ListIterations(ctx context.Context, runID string) ([]domain.IterationRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT seq,stage,script_version_id,exec_success,exec_exit_code,exec_error_kind,exec_artifact,exec_stdout,exec_stderr,exec_duration_ms,screenshot_path,
		        score_completeness,score_content_accuracy,score_layout_match,score_visual_quality,score_overall,score_issues_json,created_at
		 FROM iterations WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IterationRecord
	for rows.Next() {
		var rec domain.IterationRecord
		var exitCode sql.NullInt64
		var errKind, artifact, screenshot, issuesJSON sql.NullString
		var comp, acc, layout, visual, overall sql.NullFloat64
		if err := rows.Scan(&rec.Seq, &rec.Stage, &rec.ScriptVersionID, &rec.Execution.Success, &exitCode,
			&errKind, &artifact, &rec.Execution.Stdout, &rec.Execution.Stderr, &rec.Execution.DurationMS,
			&screenshot, &comp, &acc, &layout, &visual, &overall, &issuesJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			c := int(exitCode.Int64)
			rec.Execution.ExitCode = &c
		}
		if errKind.Valid {
			rec.Execution.ErrorKind = domain.ErrorKind(errKind.String)
		}
		if artifact.Valid {
			rec.Execution.ArtifactPath = artifact.String
		}
		if screenshot.Valid {
			rec.ScreenshotPath = screenshot.String
		}
		if overall.Valid {
			score := &domain.ScoreBreakdown{
				Completeness:    comp.Float64,
				ContentAccuracy: acc.Float64,
				LayoutMatch:     layout.Float64,
				VisualQuality:   visual.Float64,
				Overall:         overall.Float64,
			}
			if issuesJSON.Valid && issuesJSON.String != "" {
				_ = json.Unmarshal([]byte(issuesJSON.String), &score.Issues)
			}
			rec.Score = score
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Metadata assembles the full decision trail of a run.
func (r Repo) Metadata(ctx context.Context, runID string) (domain.RunMetadata, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return domain.RunMetadata{}, err
	}
	request, err := r.GetRequest(ctx, runID)
	if err != nil {
		return domain.RunMetadata{}, err
	}
	versions, err := r.ListVersions(ctx, runID)
	if err != nil {
		return domain.RunMetadata{}, err
	}
	iterations, err := r.ListIterations(ctx, runID)
	if err != nil {
		return domain.RunMetadata{}, err
	}
	md := domain.RunMetadata{
		RunID:          run.ID,
		Request:        request,
		ScriptVersions: versions,
		Iterations:     iterations,
		BestVersionID:  run.BestVersionID,
		Status:         run.Status,
		SealedAt:       run.SealedAt,
	}
	if run.BestVersionID != nil {
		for _, it := range iterations {
			if it.Score != nil && it.ScriptVersionID == *run.BestVersionID {
				score := *it.Score
				md.BestScore = &score
			}
		}
	}
	return md, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
