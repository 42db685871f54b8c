package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// AddArtifact records an external output produced by a step.
func (s *Store) AddArtifact(ctx context.Context, a *Artifact) error {
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO artifacts (artifact_id, run_id, node_id, step_id, kind, uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		a.ArtifactID, a.RunID, a.NodeID, a.StepID, a.Kind, a.URI, a.CreatedAt)
	return errors.Wrap(err, "add artifact")
}

// ListArtifacts returns a run's artifacts in creation order.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	var out []Artifact
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM artifacts WHERE run_id = ? ORDER BY created_at, artifact_id`), runID)
	return out, errors.Wrap(err, "list artifacts")
}

// PruneArtifactsBefore deletes artifact rows older than the cutoff.
func (s *Store) PruneArtifactsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM artifacts WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "prune artifacts")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
