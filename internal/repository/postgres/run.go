package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/RMahshie/ivlab/internal/repository"
	"github.com/RMahshie/ivlab/pkg/models"
	"github.com/google/uuid"
)

// PostgresRunRepository implements RunRepository for PostgreSQL
type PostgresRunRepository struct {
	db *sql.DB
}

// NewPostgresRunRepository creates a new PostgreSQL run repository
func NewPostgresRunRepository(db *sql.DB) repository.RunRepository {
	return &PostgresRunRepository{db: db}
}

const runColumns = `id, transistor_key, polarity, flavor, self_heating, status, progress, data_dir,
		error_message, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var errorMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.TransistorKey,
		&run.Polarity,
		&run.Flavor,
		&run.SelfHeating,
		&run.Status,
		&run.Progress,
		&run.DataDir,
		&errorMsg,
		&run.CreatedAt,
		&run.UpdatedAt,
		&completedAt)
	if err != nil {
		return nil, err
	}

	if errorMsg.Valid {
		run.ErrorMsg = &errorMsg.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// Create inserts a new run record
func (r *PostgresRunRepository) Create(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO runs (id, transistor_key, polarity, flavor, self_heating, status, progress, data_dir, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.TransistorKey,
		run.Polarity,
		run.Flavor,
		run.SelfHeating,
		run.Status,
		run.Progress,
		run.DataDir,
		run.CreatedAt,
		run.UpdatedAt)

	return err
}

// GetByID retrieves a run by ID
func (r *PostgresRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, repository.ErrNotFound)
	}
	return run, err
}

// GetByTransistor retrieves all runs of one transistor, newest first
func (r *PostgresRunRepository) GetByTransistor(ctx context.Context, transistorKey string) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE transistor_key = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, transistorKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateStatus updates the status and progress of a run
func (r *PostgresRunRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, progress int) error {
	query := `
		UPDATE runs
		SET status = $1, progress = $2, updated_at = NOW(),
		    completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END
		WHERE id = $3`

	_, err := r.db.ExecContext(ctx, query, status, progress, id)
	return err
}

// UpdateError marks a run failed with a message
func (r *PostgresRunRepository) UpdateError(ctx context.Context, id uuid.UUID, errorMsg string) error {
	query := `
		UPDATE runs
		SET status = 'failed', error_message = $1, updated_at = NOW()
		WHERE id = $2`

	_, err := r.db.ExecContext(ctx, query, errorMsg, id)
	return err
}

// StoreSweep stores one recorded sweep with its points
func (r *PostgresRunRepository) StoreSweep(ctx context.Context, sweep *models.SweepRecord) error {
	points, err := json.Marshal(sweep.Points)
	if err != nil {
		return fmt.Errorf("failed to marshal sweep points: %w", err)
	}

	query := `
		INSERT INTO sweeps (id, run_id, kind, fixed_terminal, variable_terminal, fixed_voltage,
		                    bulk_voltage, substrate_voltage, file_name, points, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.ExecContext(ctx, query,
		sweep.ID,
		sweep.RunID,
		sweep.Kind,
		sweep.Fixed,
		sweep.Variable,
		sweep.FixedVoltage,
		sweep.BulkVoltage,
		sweep.SubstrateVoltage,
		sweep.FileName,
		string(points),
		sweep.CreatedAt)

	return err
}

// GetSweeps retrieves the sweeps of a run in acquisition order
func (r *PostgresRunRepository) GetSweeps(ctx context.Context, runID uuid.UUID) ([]models.SweepRecord, error) {
	query := `
		SELECT id, run_id, kind, fixed_terminal, variable_terminal, fixed_voltage,
		       bulk_voltage, substrate_voltage, file_name, points, created_at
		FROM sweeps
		WHERE run_id = $1
		ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sweeps []models.SweepRecord
	for rows.Next() {
		var s models.SweepRecord
		var points []byte
		err := rows.Scan(
			&s.ID,
			&s.RunID,
			&s.Kind,
			&s.Fixed,
			&s.Variable,
			&s.FixedVoltage,
			&s.BulkVoltage,
			&s.SubstrateVoltage,
			&s.FileName,
			&points,
			&s.CreatedAt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(points, &s.Points); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sweep points: %w", err)
		}
		sweeps = append(sweeps, s)
	}
	return sweeps, rows.Err()
}
