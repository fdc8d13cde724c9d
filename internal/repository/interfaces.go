package repository

import (
	"context"
	"errors"

	"github.com/RMahshie/ivlab/pkg/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunRepository defines the interface for characterization run data operations
type RunRepository interface {
	Create(ctx context.Context, run *models.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Run, error)
	GetByTransistor(ctx context.Context, transistorKey string) ([]*models.Run, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, progress int) error
	UpdateError(ctx context.Context, id uuid.UUID, errorMsg string) error
	StoreSweep(ctx context.Context, sweep *models.SweepRecord) error
	GetSweeps(ctx context.Context, runID uuid.UUID) ([]models.SweepRecord, error)
}
