package store

import (
	"context"
	"time"

	"github.com/chengis/chengis/pkg/ids"
	"github.com/chengis/chengis/pkg/models"
)

// CreateArtifact records artifact metadata. (build_id, filename) is unique.
func (s *Store) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	if a.BuildID == "" {
		return NewValidationError("build_id", "required")
	}
	if a.Filename == "" {
		return NewValidationError("filename", "required")
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, build_id, filename, path, size_bytes, content_type, sha256, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.BuildID, a.Filename, a.Path, a.Size, a.ContentType, a.SHA256, a.CreatedAt)
	return mapRowError(err)
}

// GetArtifact fetches an artifact of a build by filename.
func (s *Store) GetArtifact(ctx context.Context, buildID, filename string) (*models.Artifact, error) {
	var a models.Artifact
	err := s.reader().GetContext(ctx, &a,
		`SELECT artifact_id, build_id, filename, path, size_bytes, content_type, sha256, created_at
		 FROM artifacts WHERE build_id = $1 AND filename = $2`, buildID, filename)
	if err != nil {
		return nil, mapRowError(err)
	}
	return &a, nil
}

// ListArtifacts returns a build's artifacts sorted by filename.
func (s *Store) ListArtifacts(ctx context.Context, buildID string) ([]*models.Artifact, error) {
	var artifacts []*models.Artifact
	err := s.reader().SelectContext(ctx, &artifacts,
		`SELECT artifact_id, build_id, filename, path, size_bytes, content_type, sha256, created_at
		 FROM artifacts WHERE build_id = $1 ORDER BY filename`, buildID)
	return artifacts, err
}

// ListExpiredArtifacts returns artifacts older than the cutoff, for the
// retention sweep to delete from disk before removing the rows.
func (s *Store) ListExpiredArtifacts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Artifact, error) {
	var artifacts []*models.Artifact
	err := s.reader().SelectContext(ctx, &artifacts,
		`SELECT artifact_id, build_id, filename, path, size_bytes, content_type, sha256, created_at
		 FROM artifacts WHERE created_at < $1 ORDER BY created_at LIMIT $2`, cutoff, limit)
	return artifacts, err
}

// ListArtifactsOverJobCap returns, per job, every artifact beyond the
// newest perJob, oldest first. The retention sweep deletes these to hold
// the per-job cap.
func (s *Store) ListArtifactsOverJobCap(ctx context.Context, perJob, limit int) ([]*models.Artifact, error) {
	var artifacts []*models.Artifact
	err := s.reader().SelectContext(ctx, &artifacts,
		`SELECT artifact_id, build_id, filename, path, size_bytes, content_type, sha256, created_at
		 FROM (
		     SELECT a.artifact_id, a.build_id, a.filename, a.path, a.size_bytes,
		            a.content_type, a.sha256, a.created_at,
		            ROW_NUMBER() OVER (PARTITION BY b.job_id ORDER BY a.created_at DESC) AS rank
		     FROM artifacts a
		     JOIN builds b ON b.build_id = a.build_id) ranked
		 WHERE rank > $1
		 ORDER BY created_at LIMIT $2`, perJob, limit)
	return artifacts, err
}

// DeleteArtifact removes one artifact row.
func (s *Store) DeleteArtifact(ctx context.Context, artifactID string) error {
	res, err := s.writer().ExecContext(ctx,
		`DELETE FROM artifacts WHERE artifact_id = $1`, artifactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
