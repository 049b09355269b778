package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/rollout/internal/api"
	"github.com/mattjoyce/rollout/internal/config"
	"github.com/mattjoyce/rollout/internal/janitor"
	"github.com/mattjoyce/rollout/internal/lock"
	"github.com/mattjoyce/rollout/internal/log"
	"github.com/mattjoyce/rollout/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "pipeline":
		return runPipelineNoun(args)
	case "run":
		return runRunNoun(args)
	case "release":
		return runReleaseNoun(args)
	case "target":
		return runTargetNoun(args)
	case "deploy":
		return runDeployNoun(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: rollout version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("rollout %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, resolvedBuildTime); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`rollout - pipeline and deployment orchestrator

Usage:
  rollout <noun> <action> [flags]

System Commands:
  system start        Run the service (API, webhooks, janitor) in foreground

Pipeline Commands:
  pipeline run        Run a pipeline to completion in this process
  pipeline check      Compile pipelines and report problems
  pipeline list       List loaded pipelines

Run Commands:
  run inspect <id>    Show stage results and transitions of a run
  run list            List recent runs
  run cancel <id>     Cancel an active run via the service API

Release Commands:
  release publish     Publish an artifact
  release show <id>   Show release metadata
  release list        List releases of an app

Target Commands:
  target resolve <n>  Show the hosts a target expands to
  target list         List targets

Deploy Commands:
  deploy release      Deploy a release to a target
  deploy rollback     Restore the previous release of a target
  deploy status       Show the deployment record of a target

Config Commands:
  config check        Validate configuration, pipelines and integrity
  config lock         Write BLAKE3 integrity manifests
  config get <path>   Print a config value or entity

General:
  version             Show version information
  help                Show this help message

Every command accepts --config <file|dir>. Without it the configuration is
discovered from $ROLLOUT_CONFIG_DIR, ~/.config/rollout, /etc/rollout or
./config.yaml.
`)
}

// --- shared helpers ---

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if isHelpToken(a) {
			return true
		}
	}
	return false
}

// dispatch runs the action named by args[0] from actions.
func dispatch(noun string, args []string, actions map[string]func([]string) int, usage string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Print(usage)
		return 0
	}
	run, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	return run(args[1:])
}

// newFlagSet returns a flag set with the --config flag every command takes.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	return fs, configPath
}

// parseFlags parses args, allowing positional arguments before flags.
func parseFlags(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for len(args) > 0 {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
	return positional, nil
}

func loadConfig(configPath string) (*config.Config, error) {
	path, err := config.Discover(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// setupCLILogging sends logs to stderr for one-shot commands.
func setupCLILogging(cfg *config.Config) {
	log.SetupTo(os.Stderr, cfg.Service.LogLevel, "text")
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// --- system ---

const systemUsage = `Usage: rollout system <action> [flags]

Actions:
  start   Run the service in foreground (--config)
`

func runSystemNoun(args []string) int {
	return dispatch("system", args, map[string]func([]string) int{
		"start": runStart,
	}, systemUsage)
}

func runStart(args []string) int {
	fs, configPath := newFlagSet("start")
	if hasHelpFlag(args) {
		fmt.Print(systemUsage)
		return 0
	}
	if _, err := parseFlags(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("rollout starting", "version", version, "config", cfg.Path)

	pidLockPath := filepath.Join(filepath.Dir(cfg.State.Path), "rollout.lock")
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()
	logger.Info("pipeline catalog loaded", "pipelines", len(a.catalog.Names()), "targets", len(a.targets.Names()))

	jan := janitor.New(janitor.Config{
		Interval:           cfg.Service.JanitorInterval,
		RunRetention:       cfg.Service.RunRetention,
		WorkspaceRetention: cfg.Service.WorkspaceRetention,
		KeepReleases:       cfg.Releases.Keep,
	}, janitor.Deps{
		Runs:       a.runs,
		Releases:   a.releases,
		Deployed:   a.records,
		Workspaces: a.workspaces,
		Active:     a.engine,
	}, a.hub, logger)
	if err := jan.Start(ctx); err != nil {
		logger.Error("janitor failed to start", "error", err)
		return 1
	}
	defer jan.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: cfg.API.Auth.AuthTokens(),
		}, api.Deps{
			Runs:        a.engine,
			Pipelines:   a.catalog,
			History:     a.runs,
			Deployments: a.controller,
			Releases:    a.releases,
			Events:      a.hub,
		}, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		webhookConfig := webhook.FromConfig(cfg.Webhooks)
		webhookServer := webhook.New(webhookConfig, a.engine, a.catalog, log.WithComponent("webhook"))
		go func() {
			if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", webhookConfig.Listen, "endpoints", len(webhookConfig.Endpoints))
	}

	logger.Info("rollout running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("rollout stopped")
	return 0
}
