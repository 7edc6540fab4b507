package repo

import (
	"context"
	"database/sql"
	"fmt"

	"slidegen/internal/domain"
)

func scanVersion(row *sql.Row) (domain.ScriptVersion, error) {
	var v domain.ScriptVersion
	var parent sql.NullInt64
	var reqID sql.NullString
	err := row.Scan(&v.RunID, &v.VersionID, &v.Origin, &parent, &v.Path, &v.Status, &reqID, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if parent.Valid {
		p := parent.Int64
		v.ParentID = &p
	}
	if reqID.Valid {
		v.RequestID = reqID.String
	}
	return v, nil
}

// CreateVersion allocates the next version id for the run and records the
// new script version with status pending. A non-nil parent must already
// exist in the run.
func (r Repo) CreateVersion(ctx context.Context, runID string, origin domain.ScriptOrigin, parentID *int64, path, requestID string) (domain.ScriptVersion, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScriptVersion{}, err
	}
	defer tx.Rollback()

	if err := r.ensureUnsealed(ctx, tx, runID); err != nil {
		return domain.ScriptVersion{}, err
	}
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_id),0)+1 FROM script_versions WHERE run_id=?`, runID).Scan(&next); err != nil {
		return domain.ScriptVersion{}, err
	}
	if parentID == nil {
		if next != 1 {
			return domain.ScriptVersion{}, fmt.Errorf("version %d of run %s requires a parent", next, runID)
		}
	} else {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM script_versions WHERE run_id=? AND version_id=?`, runID, *parentID).Scan(&exists)
		if err == sql.ErrNoRows {
			return domain.ScriptVersion{}, ErrParentNotFound
		}
		if err != nil {
			return domain.ScriptVersion{}, err
		}
	}
	v := domain.ScriptVersion{
		RunID:     runID,
		VersionID: next,
		Origin:    origin,
		ParentID:  parentID,
		Path:      path,
		Status:    domain.StatusPending,
		RequestID: requestID,
		CreatedAt: now(),
	}
	var parent any
	if parentID != nil {
		parent = *parentID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO script_versions(run_id,version_id,origin,parent_version_id,path,status,request_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		v.RunID, v.VersionID, string(v.Origin), parent, v.Path, string(v.Status), nullable(v.RequestID), v.CreatedAt); err != nil {
		return domain.ScriptVersion{}, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ScriptVersion{}, err
	}
	return v, nil
}

// MarkVersionStatus performs the single allowed pending -> success/failure
// transition. A second call for the same version is an error.
func (r Repo) MarkVersionStatus(ctx context.Context, runID string, versionID int64, status domain.ScriptStatus) error {
	if status != domain.StatusSuccess && status != domain.StatusFailure {
		return fmt.Errorf("invalid target status %q", status)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.ensureUnsealed(ctx, tx, runID); err != nil {
		return err
	}
	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM script_versions WHERE run_id=? AND version_id=?`, runID, versionID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if domain.ScriptStatus(current) != domain.StatusPending {
		return ErrStatusFinal
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE script_versions SET status=? WHERE run_id=? AND version_id=?`, string(status), runID, versionID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetVersion returns one script version.
func (r Repo) GetVersion(ctx context.Context, runID string, versionID int64) (domain.ScriptVersion, error) {
	return scanVersion(r.DB.QueryRowContext(ctx,
		`SELECT run_id,version_id,origin,parent_version_id,path,status,request_id,created_at FROM script_versions WHERE run_id=? AND version_id=?`,
		runID, versionID))
}

// ListVersions returns all versions of a run in id order.
func (r Repo) ListVersions(ctx context.Context, runID string) ([]domain.ScriptVersion, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT run_id,version_id,origin,parent_version_id,path,status,request_id,created_at FROM script_versions WHERE run_id=? ORDER BY version_id`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScriptVersion
	for rows.Next() {
		var v domain.ScriptVersion
		var parent sql.NullInt64
		var reqID sql.NullString
		if err := rows.Scan(&v.RunID, &v.VersionID, &v.Origin, &parent, &v.Path, &v.Status, &reqID, &v.CreatedAt); err != nil {
			return nil, err
		}
		if parent.Valid {
			p := parent.Int64
			v.ParentID = &p
		}
		if reqID.Valid {
			v.RequestID = reqID.String
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// Lineage returns the parent chain from the root version to the given one.
func (r Repo) Lineage(ctx context.Context, runID string, versionID int64) ([]domain.ScriptVersion, error) {
	var chain []domain.ScriptVersion
	cur := versionID
	for {
		v, err := r.GetVersion(ctx, runID, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
		if v.ParentID == nil {
			break
		}
		cur = *v.ParentID
	}
	// climb produced leaf-first order; reverse to root-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
