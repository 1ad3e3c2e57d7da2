package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/arbiter/internal/monitor"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	passStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF4672"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF4672"))
	codeStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

var jsonOutput bool

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func field(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-14s", label+":")) + " " + value
}

func verdict(passed bool, text string) string {
	if passed {
		return passStyle.Render("✓ " + text)
	}
	return failStyle.Render("✗ " + text)
}

func renderResult(w io.Writer, res sandbox.Result) {
	fmt.Fprintln(w, verdict(res.Passed, string(res.Kind)))
	fmt.Fprintln(w, field("Duration", monitor.FormatDuration(res.Duration)))
	if res.Killed {
		fmt.Fprintln(w, field("Killed", res.KillReason))
	}
	if res.Diagnostic != "" {
		fmt.Fprintln(w, field("Diagnostic", res.Diagnostic))
	}
}

func renderArtifacts(w io.Writer, art *pipeline.Artifacts) {
	fmt.Fprintln(w, titleStyle.Render("Run "+art.RunID))
	fmt.Fprintln(w, field("Approaches", fmt.Sprintf("%d", len(art.Plan.Approaches))))
	for _, b := range art.Branches {
		fmt.Fprintln(w, field(b.ID, monitor.Truncate(b.Approach, 60)))
	}
	fmt.Fprintln(w, field("Total time", monitor.FormatDuration(art.Duration)))
	fmt.Fprintln(w)
	fmt.Fprintln(w, codeStyle.Render(strings.TrimRight(art.Final.Code, "\n")))
	fmt.Fprintln(w)
	renderResult(w, art.Verification)
}

// readInput reads a file argument, or stdin for "-".
func readInput(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), nil
}
