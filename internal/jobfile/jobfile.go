// Package jobfile reads benchmark job definitions from YAML, JSON or TOML
// files and feeds them into a job queue.
package jobfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
)

// Format is the encoding of a job file
type Format string

// Supported job file formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// FormatOf returns the format for the extension of path, or "" when the
// extension is not a job file extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	case ".toml":
		return FormatTOML
	}
	return ""
}

// IsJobFile reports whether path has a job file extension.
func IsJobFile(path string) bool {
	return FormatOf(path) != ""
}

// Load reads a job file. A missing benchmark id gets a fresh UUID and
// missing bundle or agent ids fall back to their names.
func Load(path string) (domain.BenchmarkJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.BenchmarkJob{}, err
	}
	format := FormatOf(path)
	if format == "" {
		return domain.BenchmarkJob{}, fmt.Errorf("%s: not a job file", filepath.Base(path))
	}
	return Parse(data, format)
}

// Parse decodes a job definition in the given format.
func Parse(data []byte, format Format) (domain.BenchmarkJob, error) {
	var job domain.BenchmarkJob
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &job)
	case FormatTOML:
		err = decodeTOML(data, &job)
	default:
		err = yaml.Unmarshal(data, &job)
	}
	if err != nil {
		return domain.BenchmarkJob{}, fmt.Errorf("decoding job: %w", err)
	}

	md := &job.Benchmark.Metadata
	if md.ID == "" {
		md.ID = uuid.NewString()
	}
	if md.ResourceType == "" {
		md.ResourceType = "benchmark"
	}
	if md.CreationTimestamp.IsZero() {
		md.CreationTimestamp = time.Now().UTC()
	}
	if job.Benchmark.Spec.Name == "" {
		job.Benchmark.Spec.Name = md.ID
	}
	for i := range job.Bundles {
		if job.Bundles[i].Metadata.ID == "" {
			job.Bundles[i].Metadata.ID = job.Bundles[i].Spec.Name
		}
	}
	for i := range job.Agents {
		if job.Agents[i].Metadata.ID == "" {
			job.Agents[i].Metadata.ID = job.Agents[i].Spec.Name
		}
	}
	if err := Validate(job); err != nil {
		return domain.BenchmarkJob{}, err
	}
	return job, nil
}

// Validate checks that a job can run without a registry.
func Validate(job domain.BenchmarkJob) error {
	if len(job.Bundles) == 0 {
		return fmt.Errorf("job %s: no bundles", job.Benchmark.Metadata.ID)
	}
	if len(job.Agents) == 0 {
		return fmt.Errorf("job %s: no agents", job.Benchmark.Metadata.ID)
	}
	for i, b := range job.Bundles {
		if b.Spec.Name == "" {
			return fmt.Errorf("job %s: bundle %d has no name", job.Benchmark.Metadata.ID, i)
		}
	}
	for i, a := range job.Agents {
		if a.Spec.Name == "" {
			return fmt.Errorf("job %s: agent %d has no name", job.Benchmark.Metadata.ID, i)
		}
	}
	return nil
}

// decodeTOML goes through JSON so that the json field names of the
// domain types apply.
func decodeTOML(data []byte, job *domain.BenchmarkJob) error {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, job)
}
