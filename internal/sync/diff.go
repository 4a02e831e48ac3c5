// Package sync mirrors benchmarks from a source registry to a secondary
// registry and reports their progress back.
package sync

import "github.com/hochfrequenz/agent-bench-runner/internal/domain"

// DiffResult splits two benchmark listings by id
type DiffResult struct {
	// New entries exist only in the source.
	New []domain.BenchmarkInfo
	// Existing entries exist in both; these are the source entries.
	Existing []domain.BenchmarkInfo
	// Obsolete entries exist only in the secondary.
	Obsolete []domain.BenchmarkInfo
}

// Diff compares the source listing with the secondary one. Each list
// keeps the order of the listing it was taken from.
func Diff(source, secondary []domain.BenchmarkInfo) DiffResult {
	inSource := make(map[string]bool, len(source))
	for _, b := range source {
		inSource[b.ID] = true
	}
	inSecondary := make(map[string]bool, len(secondary))
	for _, b := range secondary {
		inSecondary[b.ID] = true
	}

	var d DiffResult
	seen := make(map[string]bool, len(source))
	for _, b := range source {
		if seen[b.ID] {
			continue
		}
		seen[b.ID] = true
		if inSecondary[b.ID] {
			d.Existing = append(d.Existing, b)
		} else {
			d.New = append(d.New, b)
		}
	}
	for _, b := range secondary {
		if !inSource[b.ID] && !seen[b.ID] {
			seen[b.ID] = true
			d.Obsolete = append(d.Obsolete, b)
		}
	}
	return d
}

// IDs returns the ids of a listing in order.
func IDs(infos []domain.BenchmarkInfo) []string {
	ids := make([]string, len(infos))
	for i, b := range infos {
		ids[i] = b.ID
	}
	return ids
}
