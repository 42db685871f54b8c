package store

import (
	"context"
	"time"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// AcquireOrRenewLeader runs the three atomic leadership paths against the
// single lease row for name and reports whether leaderID holds the lease
// afterwards:
//
//  1. renew an own unexpired lease,
//  2. steal an expired lease,
//  3. insert a fresh row; a uniqueness violation means another process
//     got there first.
func (s *Store) AcquireOrRenewLeader(ctx context.Context, name, leaderID string, ttl time.Duration) (bool, error) {
	ts := now()
	expiry := ts.Add(ttl)

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE scheduler_leader_leases SET expires_at = ?
		WHERE name = ? AND leader_id = ?`),
		expiry, name, leaderID)
	if err != nil {
		return false, errors.Wrap(err, "renew leader lease")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE scheduler_leader_leases
		SET leader_id = ?, acquired_at = ?, expires_at = ?
		WHERE name = ? AND expires_at < ?`),
		leaderID, ts, expiry, name, ts)
	if err != nil {
		return false, errors.Wrap(err, "steal leader lease")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO scheduler_leader_leases (name, leader_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`),
		name, leaderID, ts, expiry)
	if err != nil {
		// Row exists and is held by a live leader.
		return false, nil
	}
	return true, nil
}

// ReleaseLeader drops the lease if held by leaderID, letting another
// process take over without waiting for expiry.
func (s *Store) ReleaseLeader(ctx context.Context, name, leaderID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM scheduler_leader_leases WHERE name = ? AND leader_id = ?`),
		name, leaderID)
	return errors.Wrap(err, "release leader lease")
}

// CurrentLeader returns the lease row for name, or nil when vacant.
func (s *Store) CurrentLeader(ctx context.Context, name string) (*LeaderLease, error) {
	var rows []LeaderLease
	err := s.db.SelectContext(ctx, &rows, s.rebind(`
		SELECT * FROM scheduler_leader_leases WHERE name = ?`), name)
	if err != nil {
		return nil, errors.Wrap(err, "get leader lease")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
