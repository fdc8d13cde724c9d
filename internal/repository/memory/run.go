package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RMahshie/ivlab/internal/repository"
	"github.com/RMahshie/ivlab/pkg/models"
	"github.com/google/uuid"
)

// RunRepository keeps runs in process memory. It backs CLI runs made without a database.
type RunRepository struct {
	mu     sync.RWMutex
	runs   map[string]*models.Run
	sweeps map[string][]models.SweepRecord
}

// NewRunRepository creates an empty in-memory run repository
func NewRunRepository() repository.RunRepository {
	return &RunRepository{
		runs:   make(map[string]*models.Run),
		sweeps: make(map[string][]models.SweepRecord),
	}
}

// Create inserts a new run record
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	stored := *run
	r.runs[run.ID] = &stored
	return nil
}

// GetByID retrieves a run by ID
func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id.String()]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, repository.ErrNotFound)
	}
	out := *run
	return &out, nil
}

// GetByTransistor retrieves all runs of one transistor, newest first
func (r *RunRepository) GetByTransistor(ctx context.Context, transistorKey string) ([]*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var runs []*models.Run
	for _, run := range r.runs {
		if run.TransistorKey == transistorKey {
			out := *run
			runs = append(runs, &out)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

// UpdateStatus updates the status and progress of a run
func (r *RunRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id.String()]
	if !ok {
		return fmt.Errorf("run %s: %w", id, repository.ErrNotFound)
	}
	now := time.Now()
	run.Status = status
	run.Progress = progress
	run.UpdatedAt = now
	if status == models.StatusCompleted {
		run.CompletedAt = &now
	}
	return nil
}

// UpdateError marks a run failed with a message
func (r *RunRepository) UpdateError(ctx context.Context, id uuid.UUID, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id.String()]
	if !ok {
		return fmt.Errorf("run %s: %w", id, repository.ErrNotFound)
	}
	run.Status = models.StatusFailed
	run.ErrorMsg = &errorMsg
	run.UpdatedAt = time.Now()
	return nil
}

// StoreSweep stores one recorded sweep with its points
func (r *RunRepository) StoreSweep(ctx context.Context, sweep *models.SweepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps[sweep.RunID] = append(r.sweeps[sweep.RunID], *sweep)
	return nil
}

// GetSweeps retrieves the sweeps of a run in acquisition order
func (r *RunRepository) GetSweeps(ctx context.Context, runID uuid.UUID) ([]models.SweepRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.SweepRecord(nil), r.sweeps[runID.String()]...), nil
}
