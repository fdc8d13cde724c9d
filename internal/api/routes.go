package api

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/RMahshie/ivlab/internal/api/handlers"
	"github.com/RMahshie/ivlab/internal/processing"
	"github.com/RMahshie/ivlab/internal/repository"
	"github.com/RMahshie/ivlab/internal/storage"
)

// RegisterRoutes sets up all API routes
func RegisterRoutes(api huma.API, runRepo repository.RunRepository, archive storage.Archive, svc processing.CharacterizationService) {
	runHandler := handlers.NewRunHandler(runRepo, archive, svc)

	huma.Register(api, huma.Operation{
		OperationID:   "createRun",
		Method:        http.MethodPost,
		Path:          "/api/runs",
		Summary:       "Start a characterization run",
		Description:   "Claims the bench and characterizes one transistor in the background",
		Tags:          []string{"Runs"},
		DefaultStatus: http.StatusAccepted,
	}, runHandler.CreateRun)

	huma.Register(api, huma.Operation{
		OperationID: "getRunStatus",
		Method:      http.MethodGet,
		Path:        "/api/runs/{id}/status",
		Summary:     "Get run status",
		Description: "Returns the current status and progress of a run",
		Tags:        []string{"Runs"},
	}, runHandler.GetRunStatus)

	huma.Register(api, huma.Operation{
		OperationID: "getRunResults",
		Method:      http.MethodGet,
		Path:        "/api/runs/{id}/results",
		Summary:     "Get run results",
		Description: "Returns every recorded sweep of a completed run",
		Tags:        []string{"Runs"},
	}, runHandler.GetRunResults)

	huma.Register(api, huma.Operation{
		OperationID: "getRunFile",
		Method:      http.MethodGet,
		Path:        "/api/runs/{id}/files/{name}",
		Summary:     "Get result file URL",
		Description: "Returns a pre-signed download URL for an archived CSV or plot",
		Tags:        []string{"Runs"},
	}, runHandler.GetRunFile)

	huma.Register(api, huma.Operation{
		OperationID: "benchOff",
		Method:      http.MethodPost,
		Path:        "/api/bench/off",
		Summary:     "Safe shutdown",
		Description: "Cancels any active run, zeroes and disables every SMU output and opens all multiplexer channels",
		Tags:        []string{"Bench"},
	}, runHandler.BenchOff)
}
