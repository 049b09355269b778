package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/rollout/internal/auth"
	"github.com/mattjoyce/rollout/internal/deploy"
	"github.com/mattjoyce/rollout/internal/httpserve"
	"github.com/mattjoyce/rollout/internal/pipeline"
	"github.com/mattjoyce/rollout/internal/release"
	"github.com/mattjoyce/rollout/internal/target"
)

const maxTriggerBody = 64 << 10

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Pipelines != nil {
		resp.PipelinesLoaded = len(s.deps.Pipelines.Names())
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleTriggerRun handles POST /pipelines/{pipeline}/runs.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pipeline")
	def, err := s.deps.Pipelines.Get(name)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	var req TriggerRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxTriggerBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	params := pipeline.Params{
		Target:      req.Target,
		Tags:        req.Tags,
		Ref:         req.Ref,
		TriggeredBy: "api",
	}
	if principal, ok := auth.FromContext(r.Context()); ok && principal.Name != "" {
		params.TriggeredBy = "api:" + principal.Name
	}

	run, err := s.deps.Runs.Submit(r.Context(), def, params)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("pipeline run accepted", "pipeline", name, "run_id", run.ID, "target", params.Target, "ref", params.Ref)
	respondJSON(w, http.StatusAccepted, TriggerResponse{
		RunID:       run.ID,
		Pipeline:    run.Pipeline,
		BuildNumber: run.BuildNumber,
		Status:      run.Status,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetTransitions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	ts, err := s.deps.History.Transitions(r.Context(), runID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if ts == nil {
		ts = []pipeline.Transition{}
	}
	respondJSON(w, http.StatusOK, TransitionsResponse{RunID: runID, Transitions: ts})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.deps.Runs.Cancel(r.Context(), runID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("pipeline run cancel requested", "run_id", runID)
	respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func (s *Server) handleTargetStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Deployments.Status(r.Context(), chi.URLParam(r, "target"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Deployments.Rollback(r.Context(), chi.URLParam(r, "target"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	rel, err := s.deps.Releases.Get(r.Context(), chi.URLParam(r, "releaseID"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		verr     *pipeline.ValidationError
		derr     *pipeline.DefinitionError
		unknown  *target.UnknownTargetError
		nf       *release.NotFoundError
		conflict *release.ConflictError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &derr):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrPipelineNotFound),
		errors.Is(err, pipeline.ErrRunNotFound),
		errors.As(err, &unknown),
		errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, deploy.ErrBusy),
		errors.Is(err, deploy.ErrNoRollbackTarget),
		errors.Is(err, pipeline.ErrRunNotActive),
		errors.As(err, &conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure logs server-side failures and answers with the mapped status.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.writeError(w, code, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	httpserve.JSON(w, status, v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	httpserve.Error(w, status, message)
}
