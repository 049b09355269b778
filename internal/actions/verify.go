package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/rollout/internal/stage"
)

// Verify probes With["url"] until it answers 2xx, up to With["attempts"]
// tries spaced by With["interval"].
type Verify struct {
	Client *http.Client
}

func (v *Verify) Run(ctx context.Context, sc *stage.Context, spec stage.Spec, out io.Writer) error {
	target, err := spec.RequireArg("url")
	if err != nil {
		return err
	}
	attempts := 1
	if raw := spec.Arg("attempts", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return fmt.Errorf("attempts must be a positive integer, got %q", raw)
		}
		attempts = n
	}
	interval := time.Second
	if raw := spec.Arg("interval", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		interval = d
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = v.probe(ctx, target)
		if lastErr == nil {
			fmt.Fprintf(out, "verify %s: ok\n", target)
			return nil
		}
		fmt.Fprintf(out, "verify %s: attempt %d/%d: %v\n", target, i, attempts, lastErr)
		if i == attempts {
			break
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}

func (v *Verify) probe(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := v.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
