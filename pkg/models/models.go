package models

import (
	"time"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Body struct {
		Status  string    `json:"status" example:"healthy" doc:"Service health status"`
		Version string    `json:"version" example:"1.0.0" doc:"API version"`
		Time    time.Time `json:"time" doc:"Current server time"`
	}
}

// CreateRunRequest represents a request to characterize one transistor
type CreateRunRequest struct {
	Body CreateRunRequestBody
}

// CreateRunRequestBody is the body of the create run request
type CreateRunRequestBody struct {
	TransistorKey string `json:"transistor_key" minLength:"4" maxLength:"64" required:"true" doc:"Transistor key from the MUX instruction file (e.g. 'nmos25_FET3')"`
	Flavor        string `json:"flavor,omitempty" enum:"LV,MV,HV" doc:"Device voltage class; derived from the key when omitted"`
	SelfHeating   bool   `json:"self_heating,omitempty" doc:"Run the paused self-heating series after the output characteristic"`
}

// CreateRunResponse represents the response from creating a run
type CreateRunResponse struct {
	Body CreateRunResponseBody
}

// CreateRunResponseBody is the body of the create run response
type CreateRunResponseBody struct {
	ID       string `json:"id" doc:"Run unique identifier"`
	Polarity string `json:"polarity" doc:"Derived channel type"`
	Flavor   string `json:"flavor" doc:"Resolved voltage class"`
}

// GetRunStatusRequest represents a request to get run status
type GetRunStatusRequest struct {
	ID string `path:"id" doc:"Run ID"`
}

// GetRunStatusResponseBody is the body of the status response
type GetRunStatusResponseBody struct {
	ID       string `json:"id" doc:"Run ID"`
	Status   string `json:"status" enum:"pending,running,completed,failed" doc:"Run status"`
	Progress int    `json:"progress" minimum:"0" maximum:"100" doc:"Run progress percentage"`
	Message  string `json:"message,omitempty" doc:"Human-readable status message"`
}

// GetRunStatusResponse represents the current status of a run
type GetRunStatusResponse struct {
	Body GetRunStatusResponseBody
}

// GetRunResultsRequest represents a request to get run results
type GetRunResultsRequest struct {
	ID string `path:"id" doc:"Run ID"`
}

// GetRunResultsResponseBody is the body of the results response
type GetRunResultsResponseBody struct {
	ID            string        `json:"id" doc:"Run ID"`
	TransistorKey string        `json:"transistor_key" doc:"Characterized transistor"`
	Sweeps        []SweepRecord `json:"sweeps" doc:"Recorded sweeps in acquisition order"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty" doc:"Run completion timestamp"`
}

// GetRunResultsResponse represents the complete run results
type GetRunResultsResponse struct {
	Body GetRunResultsResponseBody
}

// GetRunFileRequest represents a request for an archived result file
type GetRunFileRequest struct {
	ID     string `path:"id" doc:"Run ID"`
	Name   string `path:"name" doc:"Result file name"`
	Mystic bool   `query:"mystic" doc:"Return the modeling tool format of the file"`
}

// GetRunFileResponse carries a pre-signed download URL
type GetRunFileResponse struct {
	Body struct {
		URL string `json:"url" doc:"Pre-signed archive URL"`
	}
}

// BenchOffResponse represents the response from a safe shutdown
type BenchOffResponse struct {
	Body struct {
		Message string `json:"message" doc:"Confirmation message"`
	}
}
