package benchmark

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
)

// Files read from and written to bundle and output directories.
const (
	InfoFileName         = "info.json"
	InputFileName        = "input.json"
	WorkspaceInputFile   = ".input.json"
	BundleResultFileName = "bundle-result.json"
	AgentOutputFileName  = "agent_output.data"
)

// pair is one agent run against one bundle
type pair struct {
	agent   domain.AgentInfo
	bundle  domain.Bundle
	request domain.BundleRequest
}

// group holds the pairs of one agent in bundle order
type group struct {
	agent domain.AgentInfo
	pairs []pair
}

// setup builds the agent × bundle cross product and prepares one shared
// workspace per pair.
func (b *Benchmark) setup(cfg domain.BenchRunConfig, outputDir string) ([]group, error) {
	groups := make([]group, 0, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		g := group{agent: agent}
		for _, bundle := range cfg.Bundles {
			bundle.Params = maps.Clone(bundle.Params)
			if err := mergeBundleInfo(&bundle); err != nil {
				b.logger.Warn("ignoring unreadable bundle info", "bundle", bundle.Name, "error", err)
			}

			ws := filepath.Join(b.workspaceRoot, agent.Name, fmt.Sprintf("%s_%s", bundle.Name, b.clock.Now().UTC().Format("20060102_150405")))
			if err := os.MkdirAll(ws, 0755); err != nil {
				return nil, fmt.Errorf("creating shared workspace: %w", err)
			}
			req := domain.BundleRequest{SharedWorkspace: ws}

			if bundle.InputFileEnabled() {
				inputFile, err := prepareInput(&bundle, ws, filepath.Join(outputDir, agent.Name, bundle.Name))
				if err != nil {
					return nil, err
				}
				req.InputFile = inputFile
			}
			g.pairs = append(g.pairs, pair{agent: agent, bundle: bundle, request: req})
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// mergeBundleInfo fills a missing description and incident type from
// info.json in the bundle directory.
func mergeBundleInfo(bundle *domain.Bundle) error {
	data, err := os.ReadFile(filepath.Join(bundle.Directory, InfoFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var info domain.BundleInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("parsing %s: %w", InfoFileName, err)
	}
	if bundle.Description == "" {
		bundle.Description = info.Description
	}
	if bundle.IncidentType == "" {
		bundle.IncidentType = info.IncidentType
	}
	return nil
}

// prepareInput merges input.json with the bundle input, writes the result
// into the workspace and keeps a copy in dumpDir. It returns the path of
// the workspace input file, or "" when there is no input at all.
func prepareInput(bundle *domain.Bundle, ws, dumpDir string) (string, error) {
	var defaults map[string]any
	data, err := os.ReadFile(filepath.Join(bundle.Directory, InputFileName))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &defaults); err != nil {
			return "", fmt.Errorf("parsing %s of %s: %w", InputFileName, bundle.Name, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("reading %s of %s: %w", InputFileName, bundle.Name, err)
	}

	input := mergeMaps(defaults, bundle.Input)
	if len(input) == 0 {
		return "", nil
	}
	input["shared_workspace"] = ws

	out, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding input: %w", err)
	}
	path := filepath.Join(ws, WorkspaceInputFile)
	if err := os.WriteFile(path, out, 0644); err != nil {
		return "", fmt.Errorf("writing input file: %w", err)
	}
	if err := os.MkdirAll(dumpDir, 0755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dumpDir, InputFileName), out, 0644); err != nil {
		return "", fmt.Errorf("copying input file: %w", err)
	}
	return path, nil
}

// mergeMaps returns base overlaid with override. Nested maps are merged
// recursively; neither argument is modified.
func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bv, ok := out[k].(map[string]any); ok {
			if ov, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}
