package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattjoyce/rollout/internal/credentials"
	"github.com/mattjoyce/rollout/internal/stage"
)

const defaultAutomation = "ansible-playbook"

// Automation runs a host-automation playbook against the run target:
//
//	<command> -i <inventory> <playbook> --extra-vars @<vars.json>
//
// The vars file carries build_number, commit_hash, target_group, the
// resolved hosts and the credentials capability. It is written 0600 and
// removed when the command exits.
type Automation struct {
	Command     string
	Credentials credentials.Credentials
	Grace       time.Duration
}

func (a *Automation) Run(ctx context.Context, sc *stage.Context, spec stage.Spec, out io.Writer) error {
	playbook, err := spec.RequireArg("playbook")
	if err != nil {
		return err
	}
	inventory, err := spec.RequireArg("inventory")
	if err != nil {
		return err
	}
	command := spec.Arg("command", a.Command)
	if command == "" {
		command = defaultAutomation
	}

	vars, err := a.vars(sc, spec)
	if err != nil {
		return err
	}
	varsFile, err := writeVarsFile(vars)
	if err != nil {
		return err
	}
	defer os.Remove(varsFile)

	return stage.RunCommand(ctx, stage.Command{
		Path: command,
		Args: []string{"-i", inventory, playbook, "--extra-vars", "@" + varsFile},
		Dir:  sc.Workspace,
		Env:  runEnv(sc),
	}, out, a.Grace, sc.Logger)
}

func (a *Automation) vars(sc *stage.Context, spec stage.Spec) (map[string]any, error) {
	targetGroup := spec.Arg("target", sc.Target)
	vars := map[string]any{
		"build_number": sc.BuildNumber,
		"commit_hash":  sc.Commit(),
		"target_group": targetGroup,
		"tags":         sc.Tags,
	}
	if sc.Values != nil {
		if id, ok := sc.Values.Get(stage.ValueReleaseID); ok {
			vars["release_id"] = id
		}
	}
	if sc.Hosts != nil {
		hosts, err := sc.Hosts.Resolve(targetGroup)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(hosts))
		for _, h := range hosts {
			names = append(names, h.Name)
		}
		vars["target_hosts"] = names
	}
	if !a.Credentials.IsZero() {
		vars["credentials"] = a.Credentials.Map()
	}
	return vars, nil
}

func writeVarsFile(vars map[string]any) (string, error) {
	f, err := os.CreateTemp("", "rollout-vars-*.json")
	if err != nil {
		return "", fmt.Errorf("create vars file: %w", err)
	}
	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("chmod vars file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(vars); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("write vars file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close vars file: %w", err)
	}
	return name, nil
}
