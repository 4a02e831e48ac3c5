package benchmark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
)

// Leaderboard files written to the output directory.
const (
	BundleResultsFile    = "bundle_results.jsonl"
	BenchmarkResultsFile = "benchmark_results.jsonl"
	BenchmarkMarkdown    = "benchmark_results.md"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// bundleRow is the leaderboard form of a bundle result, with TTR in seconds
type bundleRow struct {
	domain.BundleInfo
	Agent       string    `json:"agent"`
	Passed      bool      `json:"passed"`
	TTR         float64   `json:"ttr"`
	Errored     bool      `json:"errored"`
	Message     string    `json:"message,omitempty"`
	Date        time.Time `json:"date"`
	BenchmarkID string    `json:"benchmark_id,omitempty"`
}

func toBundleRow(r domain.BundleResult) bundleRow {
	return bundleRow{
		BundleInfo:  r.BundleInfo,
		Agent:       r.Agent,
		Passed:      r.Passed,
		TTR:         r.TTR.Seconds(),
		Errored:     r.Errored,
		Message:     r.Message,
		Date:        r.Date,
		BenchmarkID: r.BenchmarkID,
	}
}

// benchmarkRow is the leaderboard form of a benchmark result, with MTTR in seconds
type benchmarkRow struct {
	ID           string    `json:"id,omitempty"`
	Name         string    `json:"name"`
	IncidentType string    `json:"incident_type"`
	Agent        string    `json:"agent"`
	MTTR         float64   `json:"mttr"`
	NumOfPassed  int       `json:"num_of_passed"`
	Score        float64   `json:"score"`
	Date         time.Time `json:"date"`
}

// WriteLeaderboard writes the bundle and benchmark result files into dir.
func WriteLeaderboard(results []domain.BenchmarkResult, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	var bundles bytes.Buffer
	enc := json.NewEncoder(&bundles)
	for _, br := range results {
		for _, r := range br.Results {
			if err := enc.Encode(toBundleRow(r)); err != nil {
				return err
			}
		}
	}
	if err := os.WriteFile(filepath.Join(dir, BundleResultsFile), bundles.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", BundleResultsFile, err)
	}

	sorted := make([]domain.BenchmarkResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	var benches bytes.Buffer
	enc = json.NewEncoder(&benches)
	for _, br := range sorted {
		row := benchmarkRow{
			ID:           br.ID,
			Name:         br.Name,
			IncidentType: br.IncidentType,
			Agent:        br.Agent,
			MTTR:         br.MTTR.Seconds(),
			NumOfPassed:  br.NumOfPassed,
			Score:        br.Score,
			Date:         br.Date,
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, BenchmarkResultsFile), benches.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", BenchmarkResultsFile, err)
	}

	if err := os.WriteFile(filepath.Join(dir, BenchmarkMarkdown), []byte(LeaderboardMarkdown(sorted)), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", BenchmarkMarkdown, err)
	}
	return nil
}

// LeaderboardMarkdown renders benchmark results as a Markdown table.
func LeaderboardMarkdown(results []domain.BenchmarkResult) string {
	var sb strings.Builder
	sb.WriteString("| agent | scenario type | passed | pass rate (%) | mttr | date |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	for _, br := range results {
		fmt.Fprintf(&sb, "| %s | %s | %d/%d | %s | %s | %s |\n",
			br.Agent,
			br.IncidentType,
			br.NumOfPassed, len(br.Results),
			strconv.FormatFloat(br.Score*100, 'f', 1, 64),
			formatDuration(br.MTTR.Std()),
			formatDate(br.Date),
		)
	}
	return sb.String()
}

// SummaryTable renders bundle results for terminal output.
func SummaryTable(results []domain.BundleResult) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			r.Name,
			r.IncidentType,
			strconv.FormatBool(r.Passed),
			strconv.FormatFloat(r.TTR.Seconds(), 'f', 1, 64),
			strconv.FormatBool(r.Errored),
			formatDate(r.Date),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("scenario", "scenario type", "passed", "ttr (s)", "errored", "date").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(100 * time.Millisecond).String()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// ScoreTable renders one row per agent result, best score first.
func ScoreTable(results []domain.BenchmarkResult) string {
	sorted := make([]domain.BenchmarkResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	rows := make([][]string, 0, len(sorted))
	for _, br := range sorted {
		rows = append(rows, []string{
			br.Agent,
			br.IncidentType,
			fmt.Sprintf("%d/%d", br.NumOfPassed, len(br.Results)),
			strconv.FormatFloat(br.Score*100, 'f', 1, 64),
			formatDuration(br.MTTR.Std()),
			formatDate(br.Date),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("agent", "scenario type", "passed", "pass rate (%)", "mttr", "date").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}
