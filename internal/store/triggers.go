package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// UpsertTriggerRegistration reconciles one trigger registration.
func (s *Store) UpsertTriggerRegistration(ctx context.Context, t *TriggerRegistration) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO trigger_registrations
			(procedure_id, version, trigger_type, schedule, webhook_secret,
			 event_source, dedupe_window_seconds, max_concurrent_runs, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (procedure_id, version) DO UPDATE SET
			trigger_type = excluded.trigger_type,
			schedule = excluded.schedule,
			webhook_secret = excluded.webhook_secret,
			event_source = excluded.event_source,
			dedupe_window_seconds = excluded.dedupe_window_seconds,
			max_concurrent_runs = excluded.max_concurrent_runs,
			enabled = excluded.enabled`),
		t.ProcedureID, t.Version, t.TriggerType, t.Schedule, t.WebhookSecret,
		t.EventSource, t.DedupeWindowSeconds, t.MaxConcurrentRuns, t.Enabled)
	return errors.Wrap(err, "upsert trigger registration")
}

// GetTriggerRegistration loads the registration for one pair.
func (s *Store) GetTriggerRegistration(ctx context.Context, procedureID, version string) (*TriggerRegistration, error) {
	var t TriggerRegistration
	err := s.db.GetContext(ctx, &t, s.rebind(`
		SELECT * FROM trigger_registrations
		WHERE procedure_id = ? AND version = ?`),
		procedureID, version)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "trigger", ID: procedureID + "@" + version}
	}
	if err != nil {
		return nil, errors.Wrap(err, "get trigger registration")
	}
	return &t, nil
}

// LatestTriggerRegistration finds the enabled registration for a
// procedure, most recent version first by import order.
func (s *Store) LatestTriggerRegistration(ctx context.Context, procedureID string) (*TriggerRegistration, error) {
	var t TriggerRegistration
	err := s.db.GetContext(ctx, &t, s.rebind(`
		SELECT tr.* FROM trigger_registrations tr
		JOIN procedures p ON p.procedure_id = tr.procedure_id AND p.version = tr.version
		WHERE tr.procedure_id = ? AND tr.enabled = TRUE
		ORDER BY p.created_at DESC LIMIT 1`),
		procedureID)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "trigger", ID: procedureID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "find trigger registration")
	}
	return &t, nil
}

// ListEnabledTriggers returns all enabled registrations of one type.
func (s *Store) ListEnabledTriggers(ctx context.Context, triggerType string) ([]TriggerRegistration, error) {
	var out []TriggerRegistration
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM trigger_registrations
		WHERE trigger_type = ? AND enabled = TRUE`),
		triggerType)
	return out, errors.Wrap(err, "list enabled triggers")
}

// RecordDedupe stores the payload hash of a fired webhook.
func (s *Store) RecordDedupe(ctx context.Context, procedureID, payloadHash, runID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO trigger_dedupe_records (procedure_id, payload_hash, run_id, created_at)
		VALUES (?, ?, ?, ?)`),
		procedureID, payloadHash, runID, now())
	return errors.Wrap(err, "record dedupe")
}

// FindDedupe looks for a prior delivery of the same payload within the
// window. Returns the original run_id, or empty when none.
func (s *Store) FindDedupe(ctx context.Context, procedureID, payloadHash string, window time.Duration) (string, error) {
	var runID string
	err := s.db.GetContext(ctx, &runID, s.rebind(`
		SELECT run_id FROM trigger_dedupe_records
		WHERE procedure_id = ? AND payload_hash = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`),
		procedureID, payloadHash, now().Add(-window))
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "find dedupe")
	}
	return runID, nil
}
