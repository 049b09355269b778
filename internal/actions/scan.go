package actions

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/rollout/internal/credentials"
	"github.com/mattjoyce/rollout/internal/stage"
)

const (
	defaultScanner      = "sonar-scanner"
	defaultPollInterval = 5 * time.Second
	defaultReportFile   = ".scannerwork/report-task.txt"
)

// Scan runs the static-analysis scanner over the workspace, then polls the
// quality gate until it reports a verdict. A failed gate fails the stage.
//
// With:
//
//	project_key   required
//	sources       source root inside the workspace (default ".")
//	gate_url      quality-gate status endpoint; omit to skip the gate
//	poll_interval gate poll interval (default 5s)
//	report_file   scanner task report, relative to the workspace
//	              (default .scannerwork/report-task.txt)
//
// The report reference (dashboardUrl, else ceTaskUrl) is stored as
// stage.ValueReportURL whether or not the gate passes.
type Scan struct {
	Command string
	Auth    credentials.Credentials
	Client  *http.Client
	Grace   time.Duration
}

// gateResponse covers the SonarQube project_status shape.
type gateResponse struct {
	ProjectStatus struct {
		Status string `json:"status"`
	} `json:"projectStatus"`
}

func (s *Scan) Run(ctx context.Context, sc *stage.Context, spec stage.Spec, out io.Writer) error {
	key, err := spec.RequireArg("project_key")
	if err != nil {
		return err
	}
	sources := spec.Arg("sources", ".")
	if _, err := resolveInWorkspace(sc.Workspace, sources); err != nil {
		return err
	}

	command := spec.Arg("command", s.Command)
	if command == "" {
		command = defaultScanner
	}
	args := []string{
		"-Dsonar.projectKey=" + key,
		"-Dsonar.sources=" + sources,
		"-Dsonar.projectVersion=" + strconv.FormatInt(sc.BuildNumber, 10),
	}
	env := runEnv(sc)
	if s.Auth.Token != "" {
		env = append(env, "SONAR_TOKEN="+s.Auth.Token)
	}
	if err := stage.RunCommand(ctx, stage.Command{Path: command, Args: args, Dir: sc.Workspace, Env: env}, out, s.Grace, sc.Logger); err != nil {
		return fmt.Errorf("scanner: %w", err)
	}
	if err := recordReport(sc, spec.Arg("report_file", defaultReportFile), out); err != nil {
		return err
	}

	gateURL := spec.Arg("gate_url", "")
	if gateURL == "" {
		fmt.Fprintln(out, "no quality gate configured")
		return nil
	}
	interval := defaultPollInterval
	if raw := spec.Arg("poll_interval", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
		interval = d
	}
	return s.awaitGate(ctx, withProjectKey(gateURL, key), interval, out)
}

func (s *Scan) awaitGate(ctx context.Context, gateURL string, interval time.Duration, out io.Writer) error {
	for {
		status, err := s.gateStatus(ctx, gateURL)
		if err != nil {
			return fmt.Errorf("quality gate: %w", err)
		}
		fmt.Fprintf(out, "quality gate: %s\n", status)
		switch strings.ToUpper(status) {
		case "OK":
			return nil
		case "ERROR", "FAILED":
			return fmt.Errorf("quality gate failed")
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Scan) gateStatus(ctx context.Context, gateURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gateURL, nil)
	if err != nil {
		return "", err
	}
	s.Auth.Apply(req)
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var gr gateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if gr.ProjectStatus.Status == "" {
		return "NONE", nil
	}
	return gr.ProjectStatus.Status, nil
}

func withProjectKey(raw, key string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("projectKey") == "" {
		q.Set("projectKey", key)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// recordReport publishes the scanner's report reference to later stages. A
// scanner that writes no task report leaves the value unset.
func recordReport(sc *stage.Context, rel string, out io.Writer) error {
	path, err := resolveInWorkspace(sc.Workspace, rel)
	if err != nil {
		return fmt.Errorf("report_file: %w", err)
	}
	props, err := readReportTask(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read scanner report: %w", err)
	}
	ref := props["dashboardUrl"]
	if ref == "" {
		ref = props["ceTaskUrl"]
	}
	if ref == "" {
		return nil
	}
	sc.Values.Set(stage.ValueReportURL, ref)
	fmt.Fprintf(out, "scan report: %s\n", ref)
	return nil
}

// readReportTask parses the key=value lines of a scanner task report.
func readReportTask(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	props := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return props, sc.Err()
}
