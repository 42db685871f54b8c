package store

import (
	"context"
	"database/sql"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// ImportProcedure inserts an immutable (procedure_id, version) pair.
// Re-importing an existing pair is an error; versions are never mutated.
func (s *Store) ImportProcedure(ctx context.Context, p *Procedure) error {
	if p.Status == "" {
		p.Status = ProcedureStatusActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO procedures
			(procedure_id, version, status, ckp_json, trigger_json, project_id, effective_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ProcedureID, p.Version, p.Status, p.CKPJSON, p.TriggerJSON, p.ProjectID, p.EffectiveDate, p.CreatedAt)
	return errors.Wrapf(err, "import procedure %s@%s", p.ProcedureID, p.Version)
}

// GetProcedure loads one (procedure_id, version) pair.
func (s *Store) GetProcedure(ctx context.Context, procedureID, version string) (*Procedure, error) {
	var p Procedure
	err := s.db.GetContext(ctx, &p, s.rebind(`
		SELECT * FROM procedures WHERE procedure_id = ? AND version = ?`),
		procedureID, version)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "procedure", ID: procedureID + "@" + version}
	}
	if err != nil {
		return nil, errors.Wrap(err, "get procedure")
	}
	return &p, nil
}

// LatestProcedure loads the most recently imported version of a
// procedure.
func (s *Store) LatestProcedure(ctx context.Context, procedureID string) (*Procedure, error) {
	var p Procedure
	err := s.db.GetContext(ctx, &p, s.rebind(`
		SELECT * FROM procedures WHERE procedure_id = ?
		ORDER BY created_at DESC LIMIT 1`),
		procedureID)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "procedure", ID: procedureID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "get latest procedure")
	}
	return &p, nil
}

// ListProceduresWithTriggers returns active procedures carrying a
// trigger sidecar, used for trigger-registration reconciliation.
func (s *Store) ListProceduresWithTriggers(ctx context.Context) ([]Procedure, error) {
	var out []Procedure
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM procedures
		WHERE trigger_json IS NOT NULL AND status = ?`),
		ProcedureStatusActive)
	return out, errors.Wrap(err, "list procedures with triggers")
}
