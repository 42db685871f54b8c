package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// TryAcquireLease inserts a resource lease if the active count for the
// resource key is below the limit. Returns nil when the pool is
// saturated. The count check and the insert share one transaction, so
// the invariant (active leases <= limit) holds under concurrent workers.
// Expired leases are released lazily here.
func (s *Store) TryAcquireLease(ctx context.Context, resourceKey, runID, nodeID, stepID string, ttl time.Duration, limit int) (*ResourceLease, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin lease txn")
	}
	defer tx.Rollback()

	ts := now()
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE resource_leases SET released_at = ?
		WHERE resource_key = ? AND released_at IS NULL AND expires_at < ?`),
		ts, resourceKey, ts); err != nil {
		return nil, errors.Wrap(err, "reap expired leases")
	}

	var active int
	if err := tx.GetContext(ctx, &active, s.rebind(`
		SELECT COUNT(*) FROM resource_leases
		WHERE resource_key = ? AND released_at IS NULL AND expires_at >= ?`),
		resourceKey, ts); err != nil {
		return nil, errors.Wrap(err, "count active leases")
	}
	if active >= limit {
		return nil, nil
	}

	lease := &ResourceLease{
		LeaseID:     uuid.NewString(),
		ResourceKey: resourceKey,
		RunID:       runID,
		NodeID:      nodeID,
		StepID:      stepID,
		AcquiredAt:  ts,
		ExpiresAt:   ts.Add(ttl),
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO resource_leases
			(lease_id, resource_key, run_id, node_id, step_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		lease.LeaseID, lease.ResourceKey, lease.RunID, lease.NodeID, lease.StepID,
		lease.AcquiredAt, lease.ExpiresAt); err != nil {
		return nil, errors.Wrap(err, "insert lease")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit lease txn")
	}
	return lease, nil
}

// ReleaseLease marks a lease released. Releasing twice is harmless.
func (s *Store) ReleaseLease(ctx context.Context, leaseID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE resource_leases SET released_at = ?
		WHERE lease_id = ? AND released_at IS NULL`),
		now(), leaseID)
	return errors.Wrap(err, "release lease")
}

// ActiveLeaseCount counts unreleased, unexpired leases for a resource key.
func (s *Store) ActiveLeaseCount(ctx context.Context, resourceKey string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(*) FROM resource_leases
		WHERE resource_key = ? AND released_at IS NULL AND expires_at >= ?`),
		resourceKey, now())
	return n, errors.Wrap(err, "count active leases")
}
