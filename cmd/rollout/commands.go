package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/rollout/internal/config"
	"github.com/mattjoyce/rollout/internal/doctor"
	"github.com/mattjoyce/rollout/internal/inspect"
	"github.com/mattjoyce/rollout/internal/pipeline"
	"github.com/mattjoyce/rollout/internal/release"
	"github.com/mattjoyce/rollout/internal/runstore"
)

// withApp loads config, opens the app and hands it to fn.
func withApp(configPath string, fn func(ctx context.Context, a *app) int) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	setupCLILogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

// --- pipeline ---

const pipelineUsage = `Usage: rollout pipeline <action> [flags]

Actions:
  run <name> --target <t> [--tags <csv>] [--ref <ref>] [--json]
  check [--json]
  list
`

func runPipelineNoun(args []string) int {
	return dispatch("pipeline", args, map[string]func([]string) int{
		"run":   runPipelineRun,
		"check": runPipelineCheck,
		"list":  runPipelineList,
	}, pipelineUsage)
}

func runPipelineRun(args []string) int {
	fs, configPath := newFlagSet("pipeline run")
	targetName := fs.String("target", "", "Target to run against")
	tags := fs.String("tags", "", "Comma-separated stage tags (default all)")
	ref := fs.String("ref", "", "Source ref to check out")
	jsonOut := fs.Bool("json", false, "Print the run report as JSON")
	pos, err := parseFlags(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprint(os.Stderr, pipelineUsage)
		return 1
	}

	return withApp(*configPath, func(ctx context.Context, a *app) int {
		def, err := a.catalog.Get(pos[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		run, err := a.engine.Run(ctx, def, pipeline.Params{
			Target:      *targetName,
			Tags:        *tags,
			Ref:         *ref,
			TriggeredBy: "cli",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}

		build := inspect.BuildReport
		if *jsonOut {
			build = inspect.BuildJSONReport
		}
		report, err := build(context.WithoutCancel(ctx), a.runs, a.workspaces.Root(), run.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Run %s finished %s (report unavailable: %v)\n", run.ID, run.Status, err)
		} else {
			fmt.Println(report)
		}
		if run.Status != pipeline.StatusSucceeded {
			return 1
		}
		return 0
	})
}

func runPipelineCheck(args []string) int {
	fs, configPath := newFlagSet("pipeline check")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		if *jsonOut {
			printJSON(map[string]any{"valid": false, "error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Pipelines invalid: %v\n", err)
		}
		return 1
	}

	type entry struct {
		Name        string   `json:"name"`
		Fingerprint string   `json:"fingerprint"`
		Order       []string `json:"order"`
	}
	var entries []entry
	for _, name := range catalog.Names() {
		def, _ := catalog.Get(name)
		entries = append(entries, entry{Name: name, Fingerprint: def.Fingerprint, Order: pipeline.Order(def)})
	}
	if *jsonOut {
		return printJSON(map[string]any{"valid": true, "pipelines": entries})
	}
	for _, e := range entries {
		fmt.Printf("%s  %s\n  order: %s\n", e.Name, e.Fingerprint, strings.Join(e.Order, " -> "))
	}
	fmt.Printf("%d pipeline(s) OK\n", len(entries))
	return 0
}

func runPipelineList(args []string) int {
	fs, configPath := newFlagSet("pipeline list")
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pipelines invalid: %v\n", err)
		return 1
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTAGES\tFAIL FAST")
	for _, name := range catalog.Names() {
		def, _ := catalog.Get(name)
		fmt.Fprintf(w, "%s\t%d\t%t\n", name, len(def.Stages), def.FailFast)
	}
	_ = w.Flush()
	return 0
}

// --- run ---

const runUsage = `Usage: rollout run <action> [flags]

Actions:
  inspect <run-id> [--json]
  list [--pipeline <name>] [--status <status>] [--limit <n>]
  cancel <run-id> [--api <url>] [--token <token>]
`

func runRunNoun(args []string) int {
	return dispatch("run", args, map[string]func([]string) int{
		"inspect": runRunInspect,
		"list":    runRunList,
		"cancel":  runRunCancel,
	}, runUsage)
}

func runRunInspect(args []string) int {
	fs, configPath := newFlagSet("run inspect")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	pos, err := parseFlags(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprint(os.Stderr, runUsage)
		return 1
	}
	return withApp(*configPath, func(ctx context.Context, a *app) int {
		build := inspect.BuildReport
		if *jsonOut {
			build = inspect.BuildJSONReport
		}
		report, err := build(ctx, a.runs, a.workspaces.Root(), pos[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(report)
		return 0
	})
}

func runRunList(args []string) int {
	fs, configPath := newFlagSet("run list")
	pipelineName := fs.String("pipeline", "", "Only runs of this pipeline")
	status := fs.String("status", "", "Only runs with this status")
	limit := fs.Int("limit", 20, "Maximum runs to list")
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	return withApp(*configPath, func(ctx context.Context, a *app) int {
		runs, err := a.runs.ListRuns(ctx, runstore.ListFilter{
			Pipeline: *pipelineName,
			Status:   pipeline.Status(*status),
			Limit:    *limit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tPIPELINE\tBUILD\tSTATUS\tTARGET\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.Pipeline, r.BuildNumber, r.Status, r.Params.Target, r.CreatedAt.UTC().Format(time.RFC3339))
		}
		_ = w.Flush()
		return 0
	})
}

// runRunCancel asks the running service to cancel a run. Runs live in the
// service process, so this goes through the API rather than the database.
func runRunCancel(args []string) int {
	fs, configPath := newFlagSet("run cancel")
	apiURL := fs.String("api", "", "Base URL of the rollout API (default from api.listen)")
	token := fs.String("token", "", "Bearer token (default $ROLLOUT_TOKEN or api.auth.api_key)")
	pos, err := parseFlags(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprint(os.Stderr, runUsage)
		return 1
	}

	base, bearer := *apiURL, *token
	if base == "" || bearer == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		if base == "" {
			base = "http://" + cfg.API.Listen
		}
		if bearer == "" {
			bearer = os.Getenv("ROLLOUT_TOKEN")
		}
		if bearer == "" {
			bearer = cfg.API.Auth.APIKey
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	url := strings.TrimRight(base, "/") + "/runs/" + pos[0] + "/cancel"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			fmt.Fprintf(os.Stderr, "Cancel failed (%d): %s\n", resp.StatusCode, e.Error)
		} else {
			fmt.Fprintf(os.Stderr, "Cancel failed (%d)\n", resp.StatusCode)
		}
		return 1
	}
	fmt.Printf("Run %s cancelling\n", pos[0])
	return 0
}

// --- release ---

const releaseUsage = `Usage: rollout release <action> [flags]

Actions:
  publish --file <path> --commit <sha> --build <n> [--app <name>]
  show <release-id>
  list [--app <name>] [--limit <n>]
`

func runReleaseNoun(args []string) int {
	return dispatch("release", args, map[string]func([]string) int{
		"publish": runReleasePublish,
		"show":    runReleaseShow,
		"list":    runReleaseList,
	}, releaseUsage)
}

func runReleasePublish(args []string) int {
	fs, configPath := newFlagSet("release publish")
	file := fs.String("file", "", "Artifact to publish")
	commit := fs.String("commit", "", "Commit the artifact was built from")
	build := fs.Int64("build", 0, "Build number")
	appName := fs.String("app", "", "Application name (default releases.app)")
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *file == "" || *commit == "" || *build <= 0 {
		fmt.Fprint(os.Stderr, releaseUsage)
		return 1
	}
	return withApp(*configPath, func(ctx context.Context, a *app) int {
		f, err := os.Open(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer f.Close()

		name := *appName
		if name == "" {
			name = a.cfg.Releases.App
		}
		rel, err := a.releases.Publish(ctx, f, release.Metadata{
			App:      name,
			Commit:   *commit,
			Build:    *build,
			Filename: filepath.Base(*file),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Publish failed: %v\n", err)
			return 1
		}
		return printJSON(rel)
	})
}

func runReleaseShow(args []string) int {
	fs, configPath := newFlagSet("release show")
	pos, err := parseFlags(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprint(os.Stderr, releaseUsage)
		return 1
	}
	return withApp(*configPath, func(ctx context.Context, a *app) int {
		rel, err := a.releases.Get(ctx, pos[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return printJSON(rel)
	})
}

func runReleaseList(args []string) int {
	fs, configPath := newFlagSet("release list")
	appName := fs.String("app", "", "Application name (default releases.app)")
	limit := fs.Int("limit", 20, "Maximum releases to list")
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	return withApp(*configPath, func(ctx context.Context, a *app) int {
		name := *appName
		if name == "" {
			name = a.cfg.Releases.App
		}
		rels, err := a.releases.List(ctx, name, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILENAME\tSIZE\tCHECKSUM\tCREATED")
		for _, r := range rels {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.Filename, r.Size, r.Checksum, r.CreatedAt.UTC().Format(time.RFC3339))
		}
		_ = w.Flush()
		return 0
	})
}

// --- target ---

const targetUsage = `Usage: rollout target <action> [flags]

Actions:
  resolve <target> [--json]
  list
`

func runTargetNoun(args []string) int {
	return dispatch("target", args, map[string]func([]string) int{
		"resolve": runTargetResolve,
		"list":    runTargetList,
	}, targetUsage)
}

func runTargetResolve(args []string) int {
	fs, configPath := newFlagSet("target resolve")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	pos, err := parseFlags(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprint(os.Stderr, targetUsage)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	reg, err := cfg.TargetRegistry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	hosts, err := reg.Resolve(pos[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(hosts)
	}
	for _, h := range hosts {
		if h.Address != "" {
			fmt.Printf("%s\t%s\n", h.Name, h.Address)
		} else {
			fmt.Println(h.Name)
		}
	}
	return 0
}

func runTargetList(args []string) int {
	fs, configPath := newFlagSet("target list")
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	reg, err := cfg.TargetRegistry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	for _, name := range reg.Names() {
		hosts, _ := reg.Resolve(name)
		fmt.Printf("%s (%d hosts)\n", name, len(hosts))
	}
	return 0
}

// --- deploy ---

const deployUsage = `Usage: rollout deploy <action> [flags]

Actions:
  release <release-id> --target <t>
  rollback --target <t>
  status --target <t>
`

func runDeployNoun(args []string) int {
	return dispatch("deploy", args, map[string]func([]string) int{
		"release":  runDeployRelease,
		"rollback": runDeployRollback,
		"status":   runDeployStatus,
	}, deployUsage)
}

func runDeployRelease(args []string) int {
	fs, configPath := newFlagSet("deploy release")
	targetName := fs.String("target", "", "Target to deploy to")
	pos, err := parseFlags(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 || *targetName == "" {
		fmt.Fprint(os.Stderr, deployUsage)
		return 1
	}
	return withApp(*configPath, func(ctx context.Context, a *app) int {
		out, err := a.controller.Deploy(ctx, pos[0], *targetName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Deploy failed: %v\n", err)
			return 1
		}
		return printJSON(out)
	})
}

func runDeployRollback(args []string) int {
	fs, configPath := newFlagSet("deploy rollback")
	targetName := fs.String("target", "", "Target to roll back")
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *targetName == "" {
		fmt.Fprint(os.Stderr, deployUsage)
		return 1
	}
	return withApp(*configPath, func(ctx context.Context, a *app) int {
		out, err := a.controller.Rollback(ctx, *targetName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Rollback failed: %v\n", err)
			return 1
		}
		return printJSON(out)
	})
}

func runDeployStatus(args []string) int {
	fs, configPath := newFlagSet("deploy status")
	targetName := fs.String("target", "", "Target to show")
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *targetName == "" {
		fmt.Fprint(os.Stderr, deployUsage)
		return 1
	}
	return withApp(*configPath, func(ctx context.Context, a *app) int {
		rec, err := a.controller.Status(ctx, *targetName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return printJSON(rec)
	})
}

// --- config ---

const configUsage = `Usage: rollout config <action> [flags]

Actions:
  check [--json]         Validate configuration and pipelines
  lock [--dry-run]       Write BLAKE3 checksum manifests
  get <path|entity>      Print a config value, e.g. service.log_level or target:prod
`

func runConfigNoun(args []string) int {
	return dispatch("config", args, map[string]func([]string) int{
		"check": runConfigCheck,
		"lock":  runConfigLock,
		"get":   runConfigGet,
	}, configUsage)
}

func runConfigCheck(args []string) int {
	fs, configPath := newFlagSet("config check")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if *jsonOut {
			printJSON(doctor.Result{Valid: false, Errors: []doctor.Issue{{Category: "config", Message: err.Error()}}})
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		}
		return 1
	}

	result := doctor.New(cfg, nil).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs, configPath := newFlagSet("config lock")
	dryRun := fs.Bool("dry-run", false, "Show what would be written")
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	path, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	verb := "Wrote"
	if *dryRun {
		verb = "Would write"
	}
	for _, m := range report.Manifests {
		fmt.Printf("%s %s\n", verb, m)
	}
	for _, f := range report.Files {
		fmt.Printf("  %s  %s\n", f.Hash, f.Path)
	}
	return 0
}

func runConfigGet(args []string) int {
	fs, configPath := newFlagSet("config get")
	pos, err := parseFlags(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprint(os.Stderr, configUsage)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	var value any
	if strings.Contains(pos[0], ":") {
		value, err = cfg.GetEntity(pos[0])
	} else {
		value, err = cfg.GetPath(pos[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if s, ok := value.(string); ok {
		fmt.Println(s)
		return 0
	}
	return printJSON(value)
}
