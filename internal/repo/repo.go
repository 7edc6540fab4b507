package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"slidegen/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrParentNotFound is returned when a version references a parent that
	// does not exist in the run.
	ErrParentNotFound = errors.New("parent version not found")
	// ErrStatusFinal is returned when a version status is set twice.
	// Versions are write-once after creation except the single
	// pending -> success/failure transition.
	ErrStatusFinal = errors.New("version status already final")
	// ErrRunSealed is returned on any write to a sealed run.
	ErrRunSealed = errors.New("run is sealed")
)

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// InsertRun creates the run header and its image rows in one transaction.
func (r Repo) InsertRun(ctx context.Context, run domain.Run, request domain.SlideRequest) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,brief,reference_image,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.Brief, nullable(request.ReferenceImage), string(run.Status), run.CreatedAt, run.UpdatedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, img := range request.Images {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_images(run_id,name,path,description) VALUES (?,?,?,?)`,
			run.ID, img.Name, img.Path, img.Description); err != nil {
			return fmt.Errorf("insert run image %s: %w", img.Name, err)
		}
	}
	return tx.Commit()
}

// GetRun returns the run header.
func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	var run domain.Run
	var best sql.NullInt64
	var sealed sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,brief,status,best_version_id,sealed_at,created_at,updated_at FROM runs WHERE id=?`, id).
		Scan(&run.ID, &run.Brief, &run.Status, &best, &sealed, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if best.Valid {
		v := best.Int64
		run.BestVersionID = &v
	}
	if sealed.Valid {
		run.SealedAt = sealed.String
	}
	return run, nil
}

// ListRuns returns run headers, newest first.
func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,brief,status,best_version_id,sealed_at,created_at,updated_at FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var best sql.NullInt64
		var sealed sql.NullString
		if err := rows.Scan(&run.ID, &run.Brief, &run.Status, &best, &sealed, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if best.Valid {
			v := best.Int64
			run.BestVersionID = &v
		}
		if sealed.Valid {
			run.SealedAt = sealed.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// GetRequest reconstructs the immutable request of a run.
func (r Repo) GetRequest(ctx context.Context, runID string) (domain.SlideRequest, error) {
	var req domain.SlideRequest
	var ref sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT brief,reference_image FROM runs WHERE id=?`, runID).
		Scan(&req.Brief, &ref)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if ref.Valid {
		req.ReferenceImage = ref.String
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT name,path,description FROM run_images WHERE run_id=? ORDER BY name`, runID)
	if err != nil {
		return req, err
	}
	defer rows.Close()
	for rows.Next() {
		var img domain.ImageInput
		if err := rows.Scan(&img.Name, &img.Path, &img.Description); err != nil {
			return req, err
		}
		req.Images = append(req.Images, img)
	}
	return req, rows.Err()
}

func (r Repo) ensureUnsealed(ctx context.Context, q queryRower, runID string) error {
	var sealed sql.NullString
	err := q.QueryRowContext(ctx, `SELECT sealed_at FROM runs WHERE id=?`, runID).Scan(&sealed)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if sealed.Valid {
		return ErrRunSealed
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SetRunStatus updates the run's pipeline stage inside the caller's tx.
func (r Repo) SetRunStatus(ctx context.Context, tx *sql.Tx, runID string, status domain.Stage) error {
	if err := r.ensureUnsealed(ctx, tx, runID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, updated_at=? WHERE id=?`, string(status), now(), runID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SealRun marks a run terminal and read-only. The best version pointer is
// recorded in the same statement so a sealed run is always self-consistent.
func (r Repo) SealRun(ctx context.Context, tx *sql.Tx, runID string, status domain.Stage, bestVersionID *int64) error {
	if !status.Terminal() {
		return fmt.Errorf("seal run %s: stage %s is not terminal", runID, status)
	}
	if err := r.ensureUnsealed(ctx, tx, runID); err != nil {
		return err
	}
	ts := now()
	var best any
	if bestVersionID != nil {
		best = *bestVersionID
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status=?, best_version_id=?, sealed_at=?, updated_at=? WHERE id=?`,
		string(status), best, ts, ts, runID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
