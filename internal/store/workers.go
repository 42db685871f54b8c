package store

import (
	"context"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// UpsertWorkerHeartbeat maintains this process's presence row.
func (s *Store) UpsertWorkerHeartbeat(ctx context.Context, workerID string, isLeader bool) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO orchestrator_workers (worker_id, status, is_leader, last_heartbeat_at)
		VALUES (?, 'online', ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET
			status = 'online',
			is_leader = excluded.is_leader,
			last_heartbeat_at = excluded.last_heartbeat_at`),
		workerID, isLeader, now())
	return errors.Wrap(err, "upsert worker heartbeat")
}

// MarkWorkerOffline records a clean shutdown.
func (s *Store) MarkWorkerOffline(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE orchestrator_workers SET status = 'offline', is_leader = FALSE
		WHERE worker_id = ?`), workerID)
	return errors.Wrap(err, "mark worker offline")
}
