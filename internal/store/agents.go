package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// UpsertAgent registers or refreshes an executor endpoint.
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.AgentID == "" {
		a.AgentID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AgentStatusOnline
	}
	if a.ConcurrencyLimit <= 0 {
		a.ConcurrencyLimit = 1
	}
	if a.ResourceKey == "" {
		a.ResourceKey = a.AgentID
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agent_instances
			(agent_id, name, channel, base_url, capabilities, status,
			 concurrency_limit, resource_key, pool_id, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			name = excluded.name,
			channel = excluded.channel,
			base_url = excluded.base_url,
			capabilities = excluded.capabilities,
			status = excluded.status,
			concurrency_limit = excluded.concurrency_limit,
			resource_key = excluded.resource_key,
			pool_id = excluded.pool_id,
			last_heartbeat_at = excluded.last_heartbeat_at`),
		a.AgentID, a.Name, a.Channel, a.BaseURL, a.Capabilities, a.Status,
		a.ConcurrencyLimit, a.ResourceKey, a.PoolID, now())
	return errors.Wrap(err, "upsert agent")
}

// GetAgent loads one agent.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := s.db.GetContext(ctx, &a, s.rebind(`
		SELECT * FROM agent_instances WHERE agent_id = ?`), agentID)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "agent", ID: agentID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "get agent")
	}
	return &a, nil
}

// OnlineAgentsByChannel lists online agents registered on a channel.
func (s *Store) OnlineAgentsByChannel(ctx context.Context, channel string) ([]Agent, error) {
	var out []Agent
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM agent_instances
		WHERE channel = ? AND status = ?
		ORDER BY consecutive_failures, agent_id`),
		channel, AgentStatusOnline)
	return out, errors.Wrap(err, "list agents by channel")
}

// RecordAgentFailure increments the consecutive-failure counter and opens
// the circuit once the threshold is reached.
func (s *Store) RecordAgentFailure(ctx context.Context, agentID string, threshold int) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agent_instances
		SET consecutive_failures = consecutive_failures + 1
		WHERE agent_id = ?`), agentID)
	if err != nil {
		return errors.Wrap(err, "record agent failure")
	}
	ts := now()
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE agent_instances SET circuit_open_at = ?
		WHERE agent_id = ? AND consecutive_failures >= ? AND circuit_open_at IS NULL`),
		ts, agentID, threshold)
	return errors.Wrap(err, "open agent circuit")
}

// RecordAgentSuccess resets the failure counter and closes the circuit.
func (s *Store) RecordAgentSuccess(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agent_instances
		SET consecutive_failures = 0, circuit_open_at = NULL
		WHERE agent_id = ?`), agentID)
	return errors.Wrap(err, "record agent success")
}

// TouchAgentHeartbeat refreshes an agent's liveness timestamp and brings
// it back online.
func (s *Store) TouchAgentHeartbeat(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agent_instances SET last_heartbeat_at = ?, status = ?
		WHERE agent_id = ?`),
		now(), AgentStatusOnline, agentID)
	return errors.Wrap(err, "touch agent heartbeat")
}

// MarkStaleAgentsOffline flips agents whose heartbeat predates the cutoff
// to offline and returns how many were affected.
func (s *Store) MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agent_instances SET status = ?
		WHERE status = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)`),
		AgentStatusOffline, AgentStatusOnline, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "mark stale agents offline")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
