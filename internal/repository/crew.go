package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ptw-monitor/internal/models"

	"go.uber.org/zap"
)

// ErrCrewNotFound reports a crew member missing from the muster list.
var ErrCrewNotFound = errors.New("crew member not found")

// CrewRepository reads the vessel's crew list. It satisfies the monitor's
// CrewDirectory interface.
type CrewRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCrewRepository creates a crew repository.
func NewCrewRepository(db *sql.DB, logger *zap.Logger) *CrewRepository {
	return &CrewRepository{
		db:     db,
		logger: logger,
	}
}

// ListAuthorized returns the active crew members who may authorize permit
// transitions.
func (r *CrewRepository) ListAuthorized(ctx context.Context) ([]models.CrewMember, error) {
	query := `
		SELECT id, name, rank
		FROM crew_members
		WHERE active = true
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list crew: %w", err)
	}
	defer rows.Close()

	var crew []models.CrewMember
	for rows.Next() {
		var m models.CrewMember
		if err := rows.Scan(&m.ID, &m.Name, &m.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan crew member: %w", err)
		}
		crew = append(crew, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate crew: %w", err)
	}
	return crew, nil
}

// GetByName loads one crew member by exact name.
func (r *CrewRepository) GetByName(ctx context.Context, name string) (*models.CrewMember, error) {
	query := `
		SELECT id, name, rank
		FROM crew_members
		WHERE name = $1 AND active = true
	`

	var m models.CrewMember
	err := r.db.QueryRowContext(ctx, query, name).Scan(&m.ID, &m.Name, &m.Rank)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrCrewNotFound, name)
		}
		return nil, fmt.Errorf("failed to get crew member: %w", err)
	}
	return &m, nil
}
