package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ptw-monitor/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrPermitNotFound reports a missing or deleted permit row.
	ErrPermitNotFound = errors.New("permit not found")
	// ErrVersionConflict reports a save with a stale version; the caller must
	// reload and retry.
	ErrVersionConflict = errors.New("permit version conflict")
)

// PermitRepository persists permit aggregates, with the append-only logs
// stored as JSONB columns.
type PermitRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPermitRepository creates a permit repository.
func NewPermitRepository(db *sql.DB, logger *zap.Logger) *PermitRepository {
	return &PermitRepository{
		db:     db,
		logger: logger,
	}
}

const permitColumns = `
			id,
			permit_id,
			status,
			created_at,
			updated_at,
			version,
			location,
			description,
			work_types,
			valid_from,
			expires_at,
			check_frequency,
			personnel_count,
			attendant,
			fire_watch,
			rescue_team,
			fire_fighting_team,
			last_check_at,
			gas_config,
			gas_logs,
			entry_logs,
			safety_check_logs,
			signatures`

// GetPermit loads one permit by its internal id.
func (r *PermitRepository) GetPermit(ctx context.Context, id string) (*models.Permit, error) {
	if id == "" {
		return nil, fmt.Errorf("permit id is required")
	}

	query := `
		SELECT ` + permitColumns + `
		FROM permits
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)
	permit, err := scanPermit(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: id=%s", ErrPermitNotFound, id)
		}
		return nil, fmt.Errorf("failed to get permit: %w", err)
	}
	return permit, nil
}

// ListMonitorable returns the permits the safety monitor should hold in
// memory: everything live, plus expired permits whose space is not yet clear
// (a forced evacuation may still be running).
func (r *PermitRepository) ListMonitorable(ctx context.Context) ([]*models.Permit, error) {
	query := `
		SELECT ` + permitColumns + `
		FROM permits
		WHERE status IN ('Active', 'Suspended', 'JobComplete')
		   OR (status = 'Expired' AND personnel_count > 0)
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list permits: %w", err)
	}
	defer rows.Close()

	var permits []*models.Permit
	for rows.Next() {
		permit, err := scanPermit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permit: %w", err)
		}
		permits = append(permits, permit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permits: %w", err)
	}
	return permits, nil
}

// CreatePermit inserts a new permit row.
func (r *PermitRepository) CreatePermit(ctx context.Context, p *models.Permit) error {
	cols, err := marshalPermitJSON(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO permits (` + permitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`

	_, err = r.db.ExecContext(ctx, query,
		p.ID,
		p.PermitID,
		string(p.Status),
		p.CreatedAt,
		p.UpdatedAt,
		p.Version,
		p.Location,
		p.Description,
		cols.workTypes,
		p.ValidFrom,
		p.ExpiresAt,
		p.CheckFrequency,
		p.PersonnelCount,
		nullString(p.Attendant),
		nullString(p.FireWatch),
		cols.rescueTeam,
		cols.fireFightingTeam,
		nullTime(p.LastCheckAt),
		cols.gasConfig,
		cols.gasLogs,
		cols.entryLogs,
		cols.safetyCheckLogs,
		cols.signatures,
	)
	if err != nil {
		return fmt.Errorf("failed to create permit: %w", err)
	}

	r.logger.Info("Permit created",
		zap.String("id", p.ID),
		zap.String("permit_id", p.PermitID),
	)
	return nil
}

// SavePermit writes the aggregate back, guarded by the version the caller
// loaded. A stale expectedVersion yields ErrVersionConflict and no write.
func (r *PermitRepository) SavePermit(ctx context.Context, p *models.Permit, expectedVersion int64) error {
	cols, err := marshalPermitJSON(p)
	if err != nil {
		return err
	}

	query := `
		UPDATE permits
		SET status = $1,
		    updated_at = $2,
		    version = $3,
		    personnel_count = $4,
		    last_check_at = $5,
		    gas_logs = $6,
		    entry_logs = $7,
		    safety_check_logs = $8,
		    signatures = $9
		WHERE id = $10
		  AND version = $11
	`

	result, err := r.db.ExecContext(ctx, query,
		string(p.Status),
		p.UpdatedAt,
		p.Version,
		p.PersonnelCount,
		nullTime(p.LastCheckAt),
		cols.gasLogs,
		cols.entryLogs,
		cols.safetyCheckLogs,
		cols.signatures,
		p.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save permit: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check save result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: id=%s expected_version=%d", ErrVersionConflict, p.ID, expectedVersion)
	}
	return nil
}

// ============================================
// scanning helpers
// ============================================

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPermit(row scanner) (*models.Permit, error) {
	var p models.Permit
	var status string
	var attendant, fireWatch sql.NullString
	var lastCheckAt sql.NullTime
	var workTypes, rescueTeam, fireFightingTeam []byte
	var gasConfig, gasLogs, entryLogs, safetyCheckLogs, signatures []byte

	err := row.Scan(
		&p.ID,
		&p.PermitID,
		&status,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.Version,
		&p.Location,
		&p.Description,
		&workTypes,
		&p.ValidFrom,
		&p.ExpiresAt,
		&p.CheckFrequency,
		&p.PersonnelCount,
		&attendant,
		&fireWatch,
		&rescueTeam,
		&fireFightingTeam,
		&lastCheckAt,
		&gasConfig,
		&gasLogs,
		&entryLogs,
		&safetyCheckLogs,
		&signatures,
	)
	if err != nil {
		return nil, err
	}

	p.Status = models.PermitStatus(status)
	if attendant.Valid {
		p.Attendant = attendant.String
	}
	if fireWatch.Valid {
		p.FireWatch = fireWatch.String
	}
	if lastCheckAt.Valid {
		t := lastCheckAt.Time
		p.LastCheckAt = &t
	}

	for _, col := range []struct {
		raw  []byte
		dest interface{}
	}{
		{workTypes, &p.WorkTypes},
		{rescueTeam, &p.RescueTeam},
		{fireFightingTeam, &p.FireFightingTeam},
		{gasConfig, &p.GasConfig},
		{gasLogs, &p.GasLogs},
		{entryLogs, &p.EntryLogs},
		{safetyCheckLogs, &p.SafetyCheckLogs},
		{signatures, &p.Signatures},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permit column: %w", err)
		}
	}

	return &p, nil
}

type permitJSONColumns struct {
	workTypes        []byte
	rescueTeam       []byte
	fireFightingTeam []byte
	gasConfig        []byte
	gasLogs          []byte
	entryLogs        []byte
	safetyCheckLogs  []byte
	signatures       []byte
}

func marshalPermitJSON(p *models.Permit) (*permitJSONColumns, error) {
	cols := &permitJSONColumns{}
	for _, col := range []struct {
		src  interface{}
		dest *[]byte
	}{
		{p.WorkTypes, &cols.workTypes},
		{p.RescueTeam, &cols.rescueTeam},
		{p.FireFightingTeam, &cols.fireFightingTeam},
		{p.GasConfig, &cols.gasConfig},
		{p.GasLogs, &cols.gasLogs},
		{p.EntryLogs, &cols.entryLogs},
		{p.SafetyCheckLogs, &cols.safetyCheckLogs},
		{p.Signatures, &cols.signatures},
	} {
		raw, err := json.Marshal(col.src)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal permit column: %w", err)
		}
		if string(raw) == "null" {
			raw = []byte("[]")
		}
		*col.dest = raw
	}
	return cols, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
