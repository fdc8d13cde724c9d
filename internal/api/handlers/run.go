package handlers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RMahshie/ivlab/internal/bias"
	"github.com/RMahshie/ivlab/internal/processing"
	"github.com/RMahshie/ivlab/internal/repository"
	"github.com/RMahshie/ivlab/internal/results"
	"github.com/RMahshie/ivlab/internal/storage"
	"github.com/RMahshie/ivlab/pkg/models"
)

// RunHandler handles characterization run HTTP requests
type RunHandler struct {
	repo    repository.RunRepository
	archive storage.Archive
	svc     processing.CharacterizationService
}

// NewRunHandler creates a new run handler. archive may be nil.
func NewRunHandler(repo repository.RunRepository, archive storage.Archive, svc processing.CharacterizationService) *RunHandler {
	return &RunHandler{
		repo:    repo,
		archive: archive,
		svc:     svc,
	}
}

// CreateRun claims the bench and starts characterizing a transistor in the background
func (h *RunHandler) CreateRun(ctx context.Context, req *models.CreateRunRequest) (*models.CreateRunResponse, error) {
	log.Info().
		Str("transistor", req.Body.TransistorKey).
		Str("flavor", req.Body.Flavor).
		Bool("selfHeating", req.Body.SelfHeating).
		Msg("Creating new run")

	run, err := h.svc.Start(ctx, processing.StartRequest{
		TransistorKey: req.Body.TransistorKey,
		Flavor:        models.Flavor(req.Body.Flavor),
		SelfHeating:   req.Body.SelfHeating,
	})
	switch {
	case errors.Is(err, processing.ErrBenchBusy):
		return nil, huma.Error409Conflict("Bench is busy with another run", err)
	case errors.Is(err, processing.ErrInvalidTransistor),
		errors.Is(err, processing.ErrUnknownTransistor),
		errors.Is(err, bias.ErrUnknownFlavor):
		return nil, huma.Error400BadRequest(err.Error(), err)
	case err != nil:
		return nil, huma.Error500InternalServerError("Failed to start run", err)
	}

	log.Info().Str("runID", run.ID).Msg("Run started")
	return &models.CreateRunResponse{
		Body: models.CreateRunResponseBody{
			ID:       run.ID,
			Polarity: string(run.Polarity),
			Flavor:   string(run.Flavor),
		},
	}, nil
}

// GetRunStatus returns the current status of a run
func (h *RunHandler) GetRunStatus(ctx context.Context, req *models.GetRunStatusRequest) (*models.GetRunStatusResponse, error) {
	run, err := h.lookup(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	message := generateStatusMessage(run.Status, run.Progress)
	if run.Status == models.StatusFailed && run.ErrorMsg != nil {
		message = *run.ErrorMsg
	}

	return &models.GetRunStatusResponse{
		Body: models.GetRunStatusResponseBody{
			ID:       run.ID,
			Status:   run.Status,
			Progress: run.Progress,
			Message:  message,
		},
	}, nil
}

// GetRunResults returns the recorded sweeps of a completed run
func (h *RunHandler) GetRunResults(ctx context.Context, req *models.GetRunResultsRequest) (*models.GetRunResultsResponse, error) {
	run, err := h.lookup(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	if run.Status != models.StatusCompleted {
		return nil, huma.Error409Conflict("Run not yet completed",
			fmt.Errorf("run status is %s", run.Status))
	}

	sweeps, err := h.repo.GetSweeps(ctx, uuid.MustParse(run.ID))
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to get results", err)
	}

	return &models.GetRunResultsResponse{
		Body: models.GetRunResultsResponseBody{
			ID:            run.ID,
			TransistorKey: run.TransistorKey,
			Sweeps:        sweeps,
			CompletedAt:   run.CompletedAt,
		},
	}, nil
}

// GetRunFile returns a pre-signed download URL for an archived result file
func (h *RunHandler) GetRunFile(ctx context.Context, req *models.GetRunFileRequest) (*models.GetRunFileResponse, error) {
	if h.archive == nil {
		return nil, huma.Error404NotFound("No result archive configured")
	}
	if req.Name == "" || strings.ContainsAny(req.Name, `/\`) || strings.Contains(req.Name, "..") {
		return nil, huma.Error400BadRequest("Invalid file name")
	}

	run, err := h.lookup(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	rel := req.Name
	if req.Mystic {
		rel, err = h.mysticPath(ctx, run, req.Name)
		if err != nil {
			return nil, err
		}
	}
	url, err := h.archive.GenerateDownloadURL(ctx, storage.RunKey(run.ID, rel))
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to prepare download", err)
	}

	resp := &models.GetRunFileResponse{}
	resp.Body.URL = url
	return resp, nil
}

// BenchOff cancels any active run and turns every output off
func (h *RunHandler) BenchOff(ctx context.Context, _ *struct{}) (*models.BenchOffResponse, error) {
	log.Warn().Msg("Safe shutdown requested")
	if err := h.svc.Off(ctx); err != nil {
		return nil, huma.Error500InternalServerError("Safe shutdown failed", err)
	}

	resp := &models.BenchOffResponse{}
	resp.Body.Message = "All SMU outputs off, multiplexer channels open"
	return resp, nil
}

// mysticPath maps a lab file name to its modeling tool file. Names that match
// no recorded sweep are used as given.
func (h *RunHandler) mysticPath(ctx context.Context, run *models.Run, name string) (string, error) {
	sweeps, err := h.repo.GetSweeps(ctx, uuid.MustParse(run.ID))
	if err != nil {
		return "", huma.Error500InternalServerError("Failed to retrieve sweeps", err)
	}
	for i := range sweeps {
		if sweeps[i].FileName == name {
			name = results.MysticFileName(run.Polarity, &sweeps[i])
			break
		}
	}
	return filepath.Join(results.MysticDir, name), nil
}

func (h *RunHandler) lookup(ctx context.Context, rawID string) (*models.Run, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, huma.Error400BadRequest("Invalid run ID", err)
	}

	run, err := h.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, huma.Error404NotFound("Run not found", err)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to get run", err)
	}
	return run, nil
}

// generateStatusMessage creates a human-readable status message
func generateStatusMessage(status string, progress int) string {
	switch status {
	case models.StatusPending:
		return "Run queued, waiting for the bench..."
	case models.StatusRunning:
		if progress < 10 {
			return "Routing multiplexers and configuring SMUs..."
		} else if progress < 95 {
			return "Sweeping..."
		}
		return "Saving results..."
	case models.StatusCompleted:
		return "Characterization complete!"
	case models.StatusFailed:
		return "Characterization failed."
	default:
		return "Unknown status"
	}
}
