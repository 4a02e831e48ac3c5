// Package benchclient reports benchmark progress to the registry. In a
// non-push run every operation is a no-op.
package benchclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
)

// ErrBenchmarkNotFound is returned when the registry no longer knows the benchmark.
var ErrBenchmarkNotFound = errors.New("benchmark not found")

// Client talks to the registry on behalf of one benchmark
type Client struct {
	rest        *restclient.Client
	benchmarkID string
	pushModel   bool
	logger      *slog.Logger
}

// New creates a client. rest may be nil when pushModel is false.
func New(rest *restclient.Client, benchmarkID string, pushModel bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rest:        rest,
		benchmarkID: benchmarkID,
		pushModel:   pushModel && rest != nil,
		logger:      logger.With("component", "benchclient", "benchmark_id", benchmarkID),
	}
}

// BenchmarkID returns the benchmark the client reports for.
func (c *Client) BenchmarkID() string { return c.benchmarkID }

// PushModel reports whether the client talks to a registry.
func (c *Client) PushModel() bool { return c.pushModel }

func (c *Client) path(format string, args ...any) string {
	return fmt.Sprintf("/benchmarks/%s"+format, append([]any{c.benchmarkID}, args...)...)
}

// Validate checks that the benchmark still exists.
func (c *Client) Validate(ctx context.Context) error {
	if !c.pushModel {
		return nil
	}
	var bm domain.Benchmark
	if err := c.rest.Get(ctx, c.path(""), &bm); err != nil {
		if restclient.IsNotFound(err) {
			return fmt.Errorf("benchmark id '%s': %w", c.benchmarkID, ErrBenchmarkNotFound)
		}
		return fmt.Errorf("validating benchmark: %w", err)
	}
	return nil
}

// PushBundleStatus reports a bundle phase. Failures are logged.
func (c *Client) PushBundleStatus(ctx context.Context, bundleID string, phase domain.BundlePhase, message string) {
	if !c.pushModel {
		return
	}
	status := domain.NewStatus(string(phase), message)
	if err := c.rest.Put(ctx, c.path("/bundles/%s/status", bundleID), status, nil); err != nil {
		c.logger.Error("failed to push bundle status", "bundle_id", bundleID, "phase", phase, "error", err)
	}
}

// PushBundleData replaces spec.data of the registry bundle.
func (c *Client) PushBundleData(ctx context.Context, bundleID string, data map[string]any) error {
	if !c.pushModel {
		return nil
	}
	var b domain.RegistryBundle
	if err := c.rest.Get(ctx, c.path("/bundles/%s", bundleID), &b); err != nil {
		return fmt.Errorf("reading bundle %s: %w", bundleID, err)
	}
	b.Spec.Data = data
	if err := c.rest.Put(ctx, c.path("/bundles/%s", bundleID), b.Spec, nil); err != nil {
		return fmt.Errorf("pushing bundle data %s: %w", bundleID, err)
	}
	return nil
}

// PushAgentStatus reports an agent phase. Failures are logged.
func (c *Client) PushAgentStatus(ctx context.Context, agentID string, phase domain.AgentPhase, message string) {
	if !c.pushModel {
		return
	}
	status := domain.NewStatus(string(phase), message)
	if err := c.rest.Put(ctx, c.path("/agents/%s/status", agentID), status, nil); err != nil {
		c.logger.Error("failed to push agent status", "agent_id", agentID, "phase", phase, "error", err)
	}
}

// GetAgentStatus reads the status reported by an agent. Without a
// registry the agent is always Ready.
func (c *Client) GetAgentStatus(ctx context.Context, benchmarkID, agentID string) (*domain.Status, error) {
	if !c.pushModel {
		s := domain.NewStatus(string(domain.AgentReady), "")
		return &s, nil
	}
	if benchmarkID == "" {
		benchmarkID = c.benchmarkID
	}
	var a domain.RegistryAgent
	if err := c.rest.Get(ctx, fmt.Sprintf("/benchmarks/%s/agents/%s", benchmarkID, agentID), &a); err != nil {
		return nil, fmt.Errorf("reading agent status: %w", err)
	}
	return a.Status, nil
}

// UploadResults posts the results of one bundle in a single bulk request.
func (c *Client) UploadResults(ctx context.Context, bundleID string, results []domain.BundleResult) error {
	if !c.pushModel || len(results) == 0 {
		return nil
	}
	specs := make([]domain.ResultSpec, 0, len(results))
	for _, r := range results {
		specs = append(specs, domain.ResultSpec{BundleResult: r, BundleID: bundleID})
	}
	if err := c.rest.Post(ctx, c.path("/results/bulk"), specs, nil); err != nil {
		return fmt.Errorf("uploading results: %w", err)
	}
	return nil
}

// DownloadAgentFile saves the file an agent pushed for a bundle.
func (c *Client) DownloadAgentFile(ctx context.Context, bundleID, dest string) error {
	if !c.pushModel {
		return nil
	}
	var data []byte
	if err := c.rest.Get(ctx, c.path("/file/%s", bundleID), &data); err != nil {
		return fmt.Errorf("downloading agent file: %w", err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return fmt.Errorf("saving agent file: %w", err)
	}
	c.logger.Info("agent file downloaded", "path", dest)
	return nil
}

// ListBundles reads the bundle definitions of the benchmark.
func (c *Client) ListBundles(ctx context.Context) ([]domain.RegistryBundle, error) {
	if c.rest == nil {
		return nil, errors.New("no registry configured")
	}
	var bundles []domain.RegistryBundle
	if err := c.rest.Get(ctx, c.path("/bundles"), &bundles); err != nil {
		return nil, fmt.Errorf("listing bundles: %w", err)
	}
	return bundles, nil
}

// ListAgents reads the agent definitions of the benchmark.
func (c *Client) ListAgents(ctx context.Context) ([]domain.RegistryAgent, error) {
	if c.rest == nil {
		return nil, errors.New("no registry configured")
	}
	var agents []domain.RegistryAgent
	if err := c.rest.Get(ctx, c.path("/agents"), &agents); err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return agents, nil
}
