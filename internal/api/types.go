package api

import (
	"github.com/mattjoyce/rollout/internal/httpserve"
	"github.com/mattjoyce/rollout/internal/pipeline"
)

// TriggerRequest is the JSON body for POST /pipelines/{pipeline}/runs.
type TriggerRequest struct {
	Target string `json:"target"`
	Tags   string `json:"tags,omitempty"`
	Ref    string `json:"ref"`
}

// TriggerResponse is returned once a run has been accepted.
type TriggerResponse struct {
	RunID       string          `json:"run_id"`
	Pipeline    string          `json:"pipeline"`
	BuildNumber int64           `json:"build_number"`
	Status      pipeline.Status `json:"status"`
}

// TransitionsResponse is returned by GET /runs/{runID}/transitions.
type TransitionsResponse struct {
	RunID       string                `json:"run_id"`
	Transitions []pipeline.Transition `json:"transitions"`
}

// ErrorResponse is returned on errors.
type ErrorResponse = httpserve.ErrorResponse

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	PipelinesLoaded int    `json:"pipelines_loaded"`
}
