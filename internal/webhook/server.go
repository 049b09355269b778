package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/mattjoyce/rollout/internal/httpserve"
	"github.com/mattjoyce/rollout/internal/pipeline"
)

// Headers forges use to name the delivery and its event kind.
var (
	eventHeaders    = []string{"X-GitHub-Event", "X-Gitea-Event", "X-Gogs-Event"}
	deliveryHeaders = []string{"X-GitHub-Delivery", "X-Gitea-Delivery", "X-Gogs-Delivery"}
)

// Server accepts signed push notifications and starts pipeline runs.
type Server struct {
	config    Config
	runs      Submitter
	pipelines Pipelines
	logger    *slog.Logger
	byPath    map[string]EndpointConfig
}

// New returns a Server with endpoint defaults applied.
func New(config Config, runs Submitter, pipelines Pipelines, logger *slog.Logger) *Server {
	byPath := make(map[string]EndpointConfig, len(config.Endpoints))
	for _, ep := range config.Endpoints {
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		byPath[ep.Path] = ep
	}
	return &Server{
		config:    config,
		runs:      runs,
		pipelines: pipelines,
		logger:    logger,
		byPath:    byPath,
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	r := httpserve.NewRouter(s.logger, "webhook request")
	for path, ep := range s.byPath {
		r.Post(path, s.endpointHandler(ep))
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpserve.Error(w, http.StatusNotFound, "endpoint not found")
	})
	return r
}

// Start serves webhooks on config.Listen until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := httpserve.Serve(ctx, srv, nil, s.logger); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// rejection is a request refused before any run is considered.
type rejection struct {
	status int
	msg    string
}

func (s *Server) endpointHandler(ep EndpointConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With("path", ep.Path, "delivery", firstHeader(r, deliveryHeaders))

		body, rej := readVerified(r, ep)
		if rej != nil {
			if rej.status == http.StatusForbidden {
				logger.Warn("webhook signature rejected", "reason", rej.msg)
				rej.msg = "forbidden"
			}
			httpserve.Error(w, rej.status, rej.msg)
			return
		}

		switch event := firstHeader(r, eventHeaders); event {
		case "", "push":
		case "ping":
			httpserve.JSON(w, http.StatusOK, TriggerResponse{Ignored: "ping"})
			return
		default:
			logger.Info("webhook event ignored", "event", event)
			httpserve.JSON(w, http.StatusAccepted, TriggerResponse{Ignored: "event " + event + " not handled"})
			return
		}

		var push PushPayload
		if err := json.Unmarshal(body, &push); err != nil {
			httpserve.Error(w, http.StatusBadRequest, "invalid push payload")
			return
		}
		ref, ignored := resolveRef(push, ep.Branches)
		if ignored != "" {
			logger.Info("webhook push ignored", "ref", push.Ref, "reason", ignored)
			httpserve.JSON(w, http.StatusAccepted, TriggerResponse{Ignored: ignored})
			return
		}

		runID, err := s.start(r.Context(), ep, ref)
		if err != nil {
			code := triggerStatus(err)
			if code >= http.StatusInternalServerError {
				logger.Error("webhook run not started", "pipeline", ep.Pipeline, "error", err)
				httpserve.Error(w, code, "failed to start run")
				return
			}
			logger.Warn("webhook trigger rejected", "pipeline", ep.Pipeline, "status", code, "error", err)
			httpserve.Error(w, code, err.Error())
			return
		}
		logger.Info("webhook run started", "pipeline", ep.Pipeline, "target", ep.Target, "ref", ref, "run_id", runID)
		httpserve.JSON(w, http.StatusAccepted, TriggerResponse{RunID: runID})
	}
}

// readVerified reads at most MaxBodySize bytes and checks the signature
// over them.
func readVerified(r *http.Request, ep EndpointConfig) ([]byte, *rejection) {
	body, err := io.ReadAll(io.LimitReader(r.Body, ep.MaxBodySize+1))
	if err != nil {
		return nil, &rejection{http.StatusBadRequest, "failed to read request body"}
	}
	if int64(len(body)) > ep.MaxBodySize {
		return nil, &rejection{http.StatusRequestEntityTooLarge, "payload too large"}
	}
	sig := r.Header.Get(ep.SignatureHeader)
	if sig == "" {
		return nil, &rejection{http.StatusForbidden, "missing " + ep.SignatureHeader}
	}
	if err := verifySignature(body, sig, ep.Secret); err != nil {
		return nil, &rejection{http.StatusForbidden, err.Error()}
	}
	return body, nil
}

func (s *Server) start(ctx context.Context, ep EndpointConfig, ref string) (string, error) {
	def, err := s.pipelines.Get(ep.Pipeline)
	if err != nil {
		return "", err
	}
	run, err := s.runs.Submit(ctx, def, pipeline.Params{
		Target:      ep.Target,
		Tags:        ep.Tags,
		Ref:         ref,
		TriggeredBy: "webhook:" + ep.Path,
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// triggerStatus maps a failed trigger to the status reported to the sender.
func triggerStatus(err error) int {
	var (
		verr *pipeline.ValidationError
		derr *pipeline.DefinitionError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &derr):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrPipelineNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// resolveRef picks the revision to build, or explains why the push is
// ignored.
func resolveRef(push PushPayload, branches []string) (ref, ignored string) {
	if push.After != "" && strings.Trim(push.After, "0") == "" {
		return "", "branch deleted"
	}
	if push.Ref == "" && push.After == "" {
		return "", "no ref in payload"
	}
	if len(branches) > 0 {
		branch, ok := strings.CutPrefix(push.Ref, "refs/heads/")
		if !ok || !slices.Contains(branches, branch) {
			return "", "branch not watched"
		}
	}
	if push.After != "" {
		return push.After, ""
	}
	return push.Ref, ""
}

func firstHeader(r *http.Request, names []string) string {
	for _, n := range names {
		if v := r.Header.Get(n); v != "" {
			return v
		}
	}
	return ""
}
