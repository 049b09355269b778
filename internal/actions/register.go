package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mattjoyce/rollout/internal/credentials"
	"github.com/mattjoyce/rollout/internal/deploy"
	"github.com/mattjoyce/rollout/internal/release"
	"github.com/mattjoyce/rollout/internal/stage"
)

// Kind names.
const (
	KindShell      = "shell"
	KindCheckout   = "checkout"
	KindScan       = "scan"
	KindPublish    = "publish"
	KindDeploy     = "deploy"
	KindAutomation = "automation"
	KindVerify     = "verify"
)

// Kinds lists every built-in action kind.
func Kinds() []string {
	return []string{KindShell, KindCheckout, KindScan, KindPublish, KindDeploy, KindAutomation, KindVerify}
}

var requiredArgs = map[string][]string{
	KindShell:      {"run"},
	KindCheckout:   {"repo"},
	KindScan:       {"project_key"},
	KindPublish:    {"artifact"},
	KindAutomation: {"playbook", "inventory"},
	KindVerify:     {"url"},
}

// RequiredArgs lists the with: keys a kind refuses to run without.
func RequiredArgs(kind string) []string {
	return requiredArgs[kind]
}

// Publisher is the release-store surface the publish action needs.
type Publisher interface {
	Publish(ctx context.Context, artifact io.Reader, meta release.Metadata) (*release.Release, error)
}

// Deployer is the controller surface the deploy action needs.
type Deployer interface {
	Deploy(ctx context.Context, releaseID, target string) (*deploy.Outcome, error)
}

// Deps are the collaborators and capabilities shared by actions. Nil
// collaborators leave the corresponding kind unregistered.
type Deps struct {
	Releases Publisher
	Deployer Deployer
	App      string

	GitAuth     credentials.Credentials
	ScannerAuth credentials.Credentials
	HostAuth    credentials.Credentials

	ScannerCommand    string
	AutomationCommand string

	HTTPClient *http.Client
	Grace      time.Duration
}

// Register installs the built-in actions into reg.
func Register(reg *stage.Registry, deps Deps) error {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	add := []struct {
		kind string
		a    stage.Action
	}{
		{KindShell, &Shell{Grace: deps.Grace}},
		{KindCheckout, &Checkout{Auth: deps.GitAuth}},
		{KindScan, &Scan{Command: deps.ScannerCommand, Auth: deps.ScannerAuth, Client: client, Grace: deps.Grace}},
		{KindAutomation, &Automation{Command: deps.AutomationCommand, Credentials: deps.HostAuth, Grace: deps.Grace}},
		{KindVerify, &Verify{Client: client}},
	}
	if deps.Releases != nil {
		add = append(add, struct {
			kind string
			a    stage.Action
		}{KindPublish, &Publish{Store: deps.Releases, App: deps.App}})
	}
	if deps.Deployer != nil {
		add = append(add, struct {
			kind string
			a    stage.Action
		}{KindDeploy, &Deploy{Controller: deps.Deployer}})
	}

	for _, item := range add {
		if err := reg.Register(item.kind, item.a); err != nil {
			return fmt.Errorf("register %s: %w", item.kind, err)
		}
	}
	return nil
}
