package webhook

import (
	"context"

	"github.com/mattjoyce/rollout/internal/config"
	"github.com/mattjoyce/rollout/internal/httpserve"
	"github.com/mattjoyce/rollout/internal/pipeline"
)

// Submitter starts runs in the background.
type Submitter interface {
	Submit(ctx context.Context, def *pipeline.Definition, params pipeline.Params) (*pipeline.Run, error)
}

// Pipelines looks up compiled definitions by name.
type Pipelines interface {
	Get(name string) (*pipeline.Definition, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	Path     string
	Pipeline string
	Target   string
	// Tags is the stage tag filter passed to the run.
	Tags string
	// Branches limits which pushes trigger a run. Empty accepts every branch.
	Branches        []string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// PushPayload is the subset of a push notification the server reads.
type PushPayload struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// TriggerResponse is the JSON response for accepted webhooks. Exactly one of
// RunID and Ignored is set.
type TriggerResponse struct {
	RunID   string `json:"run_id,omitempty"`
	Ignored string `json:"ignored,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse = httpserve.ErrorResponse

// Default values
const (
	DefaultMaxBodySize     = 1 << 20
	DefaultSignatureHeader = "X-Hub-Signature-256"
)

// FromConfig converts the webhooks section of the service configuration.
func FromConfig(wc *config.WebhooksConfig) Config {
	if wc == nil {
		return Config{}
	}
	cfg := Config{Listen: wc.Listen, Endpoints: make([]EndpointConfig, len(wc.Endpoints))}
	for i, ep := range wc.Endpoints {
		cfg.Endpoints[i] = EndpointConfig{
			Path:            ep.Path,
			Pipeline:        ep.Pipeline,
			Target:          ep.Target,
			Tags:            ep.Tags,
			Branches:        append([]string(nil), ep.Branches...),
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			MaxBodySize:     ep.MaxBodyBytes,
		}
	}
	return cfg
}
