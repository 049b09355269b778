package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLICaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

// writeTestConfig writes a config directory whose state lives under a temp
// dir and whose single pipeline runs shell stages only.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	cfgDir := filepath.Join(root, "config")
	data := filepath.Join(root, "data")
	if err := os.MkdirAll(filepath.Join(cfgDir, "pipelines"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	configYAML := `service:
  log_level: error
  log_format: text
state:
  path: ` + filepath.Join(data, "state.db") + `
workspace:
  dir: ` + filepath.Join(data, "workspaces") + `
releases:
  dir: ` + filepath.Join(data, "releases") + `
  app: webapp
deploy:
  root: ` + filepath.Join(data, "sites") + `
  lock_dir: ` + filepath.Join(data, "locks") + `
hosts:
  web1: {address: 10.0.0.1}
  web2: {address: 10.0.0.2}
groups:
  web:
    hosts: [web1, web2]
targets:
  prod:
    groups: [web]
pipelines_dir: pipelines
`
	pipelineYAML := `pipelines:
  - name: ship
    stages:
      - name: build
        action: shell
        with:
          run: echo built > out.txt
      - name: test
        action: shell
        needs: [build]
        with:
          run: cat out.txt
`
	failingYAML := `pipelines:
  - name: broken
    stages:
      - name: build
        action: shell
        with:
          run: exit 3
      - name: after
        action: shell
        needs: [build]
        with:
          run: "true"
`
	for path, content := range map[string]string{
		filepath.Join(cfgDir, "config.yaml"):              configYAML,
		filepath.Join(cfgDir, "pipelines", "ship.yaml"):   pipelineYAML,
		filepath.Join(cfgDir, "pipelines", "broken.yaml"): failingYAML,
	} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return cfgDir
}

func TestVersionCommand(t *testing.T) {
	code, stdout, _ := runCLICaptured(t, "version")
	if code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.HasPrefix(stdout, "rollout ") || !strings.Contains(stdout, "commit:") {
		t.Fatalf("unexpected output: %q", stdout)
	}

	code, stdout, _ = runCLICaptured(t, "version", "--json")
	if code != 0 {
		t.Fatalf("exit = %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version --json not JSON: %v\n%s", err, stdout)
	}
	if info.Version == "" {
		t.Fatal("empty version")
	}

	if code, _, _ := runCLICaptured(t, "version", "extra"); code != 1 {
		t.Fatalf("version with positional arg exit = %d, want 1", code)
	}
}

func TestShortenCommit(t *testing.T) {
	if got := shortenCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortenCommit = %q", got)
	}
	if got := shortenCommit("abc"); got != "abc" {
		t.Fatalf("shortenCommit = %q", got)
	}
}

func TestHelpAndUnknownCommands(t *testing.T) {
	code, stdout, _ := runCLICaptured(t, "help")
	if code != 0 || !strings.Contains(stdout, "pipeline run") {
		t.Fatalf("help: exit=%d out=%q", code, stdout)
	}

	code, _, stderr := runCLICaptured(t, "bogus")
	if code != 1 || !strings.Contains(stderr, "Unknown command: bogus") {
		t.Fatalf("unknown command: exit=%d stderr=%q", code, stderr)
	}

	code, _, stderr = runCLICaptured(t, "pipeline", "bogus")
	if code != 1 || !strings.Contains(stderr, "Unknown pipeline action: bogus") {
		t.Fatalf("unknown action: exit=%d stderr=%q", code, stderr)
	}

	code, stdout, _ = runCLICaptured(t, "deploy", "--help")
	if code != 0 || !strings.Contains(stdout, "rollback --target") {
		t.Fatalf("deploy help: exit=%d out=%q", code, stdout)
	}

	if code, _, _ := runCLICaptured(t); code != 1 {
		t.Fatalf("no args exit = %d, want 1", code)
	}
}

func TestParseFlagsAllowsInterleavedPositionals(t *testing.T) {
	fs, cfg := newFlagSet("t")
	target := fs.String("target", "", "")
	pos, err := parseFlags(fs, []string{"ship", "--target", "prod", "--config", "/x"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if len(pos) != 1 || pos[0] != "ship" || *target != "prod" || *cfg != "/x" {
		t.Fatalf("pos=%v target=%q config=%q", pos, *target, *cfg)
	}
}

func TestConfigCheck(t *testing.T) {
	cfgDir := writeTestConfig(t)

	code, stdout, stderr := runCLICaptured(t, "config", "check", "--config", cfgDir)
	if code != 0 {
		t.Fatalf("config check exit=%d stdout=%q stderr=%q", code, stdout, stderr)
	}

	code, stdout, _ = runCLICaptured(t, "config", "check", "--config", cfgDir, "--json")
	if code != 0 {
		t.Fatalf("config check --json exit=%d", code)
	}
	var result struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil || !result.Valid {
		t.Fatalf("unexpected JSON result %q (err=%v)", stdout, err)
	}

	code, _, stderr = runCLICaptured(t, "config", "check", "--config", filepath.Join(cfgDir, "missing"))
	if code != 1 || !strings.Contains(stderr, "Failed to load config") {
		t.Fatalf("missing config: exit=%d stderr=%q", code, stderr)
	}
}

func TestConfigLockThenTamper(t *testing.T) {
	cfgDir := writeTestConfig(t)

	code, stdout, _ := runCLICaptured(t, "config", "lock", "--config", cfgDir, "--dry-run")
	if code != 0 || !strings.Contains(stdout, "Would write") {
		t.Fatalf("dry run: exit=%d out=%q", code, stdout)
	}
	if _, err := os.Stat(filepath.Join(cfgDir, ".checksums")); err == nil {
		t.Fatal("dry run wrote a manifest")
	}

	code, stdout, _ = runCLICaptured(t, "config", "lock", "--config", cfgDir)
	if code != 0 || !strings.Contains(stdout, "Wrote") {
		t.Fatalf("lock: exit=%d out=%q", code, stdout)
	}
	if code, _, _ := runCLICaptured(t, "pipeline", "list", "--config", cfgDir); code != 0 {
		t.Fatalf("locked config failed to load: exit=%d", code)
	}

	shipPath := filepath.Join(cfgDir, "pipelines", "ship.yaml")
	f, err := os.OpenFile(shipPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("# tampered\n")
	_ = f.Close()

	code, _, stderr := runCLICaptured(t, "pipeline", "list", "--config", cfgDir)
	if code != 1 || !strings.Contains(stderr, "Failed to load config") {
		t.Fatalf("tampered config: exit=%d stderr=%q", code, stderr)
	}
}

func TestConfigGet(t *testing.T) {
	cfgDir := writeTestConfig(t)

	code, stdout, _ := runCLICaptured(t, "config", "get", "releases.app", "--config", cfgDir)
	if code != 0 || strings.TrimSpace(stdout) != "webapp" {
		t.Fatalf("get path: exit=%d out=%q", code, stdout)
	}

	code, stdout, _ = runCLICaptured(t, "config", "get", "target:prod", "--config", cfgDir)
	if code != 0 || !strings.Contains(stdout, "web") {
		t.Fatalf("get entity: exit=%d out=%q", code, stdout)
	}

	if code, _, _ := runCLICaptured(t, "config", "get", "target:nope", "--config", cfgDir); code != 1 {
		t.Fatalf("unknown entity exit = %d, want 1", code)
	}
}

func TestTargetCommands(t *testing.T) {
	cfgDir := writeTestConfig(t)

	code, stdout, _ := runCLICaptured(t, "target", "resolve", "prod", "--config", cfgDir)
	if code != 0 {
		t.Fatalf("resolve exit = %d", code)
	}
	if !strings.Contains(stdout, "web1\t10.0.0.1") || !strings.Contains(stdout, "web2\t10.0.0.2") {
		t.Fatalf("resolve output = %q", stdout)
	}

	code, stdout, _ = runCLICaptured(t, "target", "list", "--config", cfgDir)
	if code != 0 || !strings.Contains(stdout, "prod (2 hosts)") {
		t.Fatalf("list: exit=%d out=%q", code, stdout)
	}

	code, _, stderr := runCLICaptured(t, "target", "resolve", "staging", "--config", cfgDir)
	if code != 1 || !strings.Contains(stderr, "staging") {
		t.Fatalf("unknown target: exit=%d stderr=%q", code, stderr)
	}
}

func TestPipelineCheckAndList(t *testing.T) {
	cfgDir := writeTestConfig(t)

	code, stdout, _ := runCLICaptured(t, "pipeline", "check", "--config", cfgDir)
	if code != 0 {
		t.Fatalf("check exit = %d", code)
	}
	if !strings.Contains(stdout, "build -> test") || !strings.Contains(stdout, "2 pipeline(s) OK") {
		t.Fatalf("check output = %q", stdout)
	}

	code, stdout, _ = runCLICaptured(t, "pipeline", "list", "--config", cfgDir)
	if code != 0 || !strings.Contains(stdout, "ship") || !strings.Contains(stdout, "broken") {
		t.Fatalf("list: exit=%d out=%q", code, stdout)
	}
}

var runIDPattern = regexp.MustCompile(`Run ID\s*:\s*(\S+)`)

func TestPipelineRunEndToEnd(t *testing.T) {
	cfgDir := writeTestConfig(t)

	code, stdout, stderr := runCLICaptured(t, "pipeline", "run", "ship", "--target", "prod", "--ref", "main", "--config", cfgDir)
	if code != 0 {
		t.Fatalf("run exit=%d stdout=%q stderr=%q", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "succeeded") || !strings.Contains(stdout, "built") {
		t.Fatalf("report missing result or stage output: %q", stdout)
	}
	m := runIDPattern.FindStringSubmatch(stdout)
	if m == nil {
		t.Fatalf("no run ID in report: %q", stdout)
	}
	runID := m[1]

	code, stdout, _ = runCLICaptured(t, "run", "inspect", runID, "--json", "--config", cfgDir)
	if code != 0 {
		t.Fatalf("inspect exit = %d", code)
	}
	var report struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("inspect --json: %v\n%s", err, stdout)
	}
	if report.RunID != runID || report.Status != "succeeded" {
		t.Fatalf("report = %+v", report)
	}

	code, stdout, _ = runCLICaptured(t, "run", "list", "--pipeline", "ship", "--config", cfgDir)
	if code != 0 || !strings.Contains(stdout, runID) {
		t.Fatalf("run list: exit=%d out=%q", code, stdout)
	}
}

func TestPipelineRunFailureExitsNonZero(t *testing.T) {
	cfgDir := writeTestConfig(t)

	code, stdout, _ := runCLICaptured(t, "pipeline", "run", "broken", "--target", "prod", "--ref", "main", "--config", cfgDir)
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stdout, "failed") || !strings.Contains(stdout, "skipped") {
		t.Fatalf("report = %q", stdout)
	}
}

func TestPipelineRunRejectsBadParams(t *testing.T) {
	cfgDir := writeTestConfig(t)

	code, _, stderr := runCLICaptured(t, "pipeline", "run", "ship", "--target", "nowhere", "--ref", "main", "--config", cfgDir)
	if code != 1 || !strings.Contains(stderr, "target") {
		t.Fatalf("unknown target: exit=%d stderr=%q", code, stderr)
	}

	code, _, stderr = runCLICaptured(t, "pipeline", "run", "nope", "--target", "prod", "--ref", "main", "--config", cfgDir)
	if code != 1 || !strings.Contains(stderr, "nope") {
		t.Fatalf("unknown pipeline: exit=%d stderr=%q", code, stderr)
	}
}

func TestReleasePublishShowList(t *testing.T) {
	cfgDir := writeTestConfig(t)
	artifact := filepath.Join(t.TempDir(), "app.bin")
	if err := os.WriteFile(artifact, []byte("binary"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	code, stdout, stderr := runCLICaptured(t, "release", "publish", "--file", artifact, "--commit", "abc123", "--build", "7", "--config", cfgDir)
	if code != 0 {
		t.Fatalf("publish exit=%d stderr=%q", code, stderr)
	}
	var rel struct {
		ID  string `json:"id"`
		App string `json:"app"`
	}
	if err := json.Unmarshal([]byte(stdout), &rel); err != nil {
		t.Fatalf("publish output: %v\n%s", err, stdout)
	}
	if rel.ID != "abc123-7" || rel.App != "webapp" {
		t.Fatalf("release = %+v", rel)
	}

	code, stdout, _ = runCLICaptured(t, "release", "show", "abc123-7", "--config", cfgDir)
	if code != 0 || !strings.Contains(stdout, "app.bin") {
		t.Fatalf("show: exit=%d out=%q", code, stdout)
	}

	code, stdout, _ = runCLICaptured(t, "release", "list", "--config", cfgDir)
	if code != 0 || !strings.Contains(stdout, "abc123-7") {
		t.Fatalf("list: exit=%d out=%q", code, stdout)
	}

	if code, _, _ := runCLICaptured(t, "release", "publish", "--file", artifact, "--config", cfgDir); code != 1 {
		t.Fatalf("publish without commit exit = %d, want 1", code)
	}
}

func TestDeployStatusOfFreshTarget(t *testing.T) {
	cfgDir := writeTestConfig(t)

	code, _, _ := runCLICaptured(t, "deploy", "rollback", "--target", "prod", "--config", cfgDir)
	if code != 1 {
		t.Fatalf("rollback with no history exit = %d, want 1", code)
	}
	if code, _, _ := runCLICaptured(t, "deploy", "status", "--config", cfgDir); code != 1 {
		t.Fatalf("status without --target exit = %d, want 1", code)
	}
}
