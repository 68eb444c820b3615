// File: internal/health/health.go
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Checker probes the target application's liveness, readiness and frontend
// endpoints and samples its metrics counters. Probes retry with exponential
// backoff so a deploy's warmup blip does not read as an outage.
type Checker struct {
	logger *zap.Logger
	cfg    config.HealthConfig
	client *http.Client
}

// New builds a health checker.
func New(logger *zap.Logger, cfg config.HealthConfig) *Checker {
	return &Checker{
		logger: logger.Named("health"),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// Check runs all configured probes concurrently and returns the first
// failure. A healthy target passes every configured probe.
func (c *Checker) Check(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	probes := map[string]string{
		"liveness":  c.cfg.LivenessURL,
		"readiness": c.cfg.ReadinessURL,
		"frontend":  c.cfg.FrontendURL,
	}
	for name, url := range probes {
		if url == "" {
			continue
		}
		name, url := name, url
		g.Go(func() error {
			if err := c.probeWithRetry(gctx, name, url); err != nil {
				return fmt.Errorf("%s probe failed: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Metrics fetches the current counter sample from the metrics endpoint.
func (c *Checker) Metrics(ctx context.Context) (schemas.HealthMetrics, error) {
	var m schemas.HealthMetrics
	if c.cfg.MetricsURL == "" {
		return m, fmt.Errorf("no metrics endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.MetricsURL, nil)
	if err != nil {
		return m, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return m, fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return m, fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return m, fmt.Errorf("failed to read metrics body: %w", err)
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("failed to decode metrics: %w", err)
	}
	if m.SampledAt.IsZero() {
		m.SampledAt = time.Now()
	}
	return m, nil
}

func (c *Checker) probeWithRetry(ctx context.Context, name, url string) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)

	return backoff.Retry(func() error {
		err := c.probe(ctx, url)
		if err != nil {
			c.logger.Debug("Probe attempt failed.",
				zap.String("probe", name), zap.Error(err))
		}
		return err
	}, policy)
}

func (c *Checker) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d from %s", resp.StatusCode, redact(url))
	}
	return nil
}

// redact trims query strings from probe URLs before they reach logs or
// error chains.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
