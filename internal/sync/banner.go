package sync

import (
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var summaryTmpl = template.Must(template.New("summary").Parse(`
{{ range .Destinations }}{{ .Header }}
  {{ .Counts }}
{{ range .Failures }}    {{ . }}
{{ end }}{{ if .MoreCount }}    ...and {{ .MoreCount }} more
{{ end }}{{ end }}{{ if .Steps }}{{ .StepsHeader }}
{{ range .Steps }}  {{ . }}
{{ end }}{{ end }}`))

type summaryDest struct {
	Header    string
	Counts    string
	Failures  []string
	MoreCount int
}

type summaryData struct {
	Destinations []summaryDest
	StepsHeader  string
	Steps        []string
}

// StepLine is one transform step's outcome as shown in the summary.
type StepLine struct {
	Name    string
	Outcome string // "ran", "skipped", "failed" or "unknown"
	Detail  string
}

// summaryMaxFailures is the maximum number of failed paths listed per destination.
const summaryMaxFailures = 5

// RenderSummary writes the end-of-run summary to w.
// Uses lipgloss for TTY-aware colored output (auto-strips ANSI when not a TTY).
// Writes nothing when there are neither reports nor steps.
func RenderSummary(w io.Writer, reports []*Report, steps []StepLine) {
	if len(reports) == 0 && len(steps) == 0 {
		return
	}

	renderer := lipgloss.NewRenderer(w)
	green := renderer.NewStyle().Foreground(lipgloss.Color("2"))
	yellow := renderer.NewStyle().Foreground(lipgloss.Color("3"))
	red := renderer.NewStyle().Foreground(lipgloss.Color("1"))
	bold := renderer.NewStyle().Bold(true)

	var data summaryData
	for _, r := range reports {
		if r == nil {
			continue
		}
		var header string
		switch {
		case r.State == StateError:
			header = red.Render(fmt.Sprintf("✗ %s (%s) did not finish", r.Destination, r.Mode))
		case len(r.Failures) > 0:
			header = yellow.Render(fmt.Sprintf("⚠ %s (%s) finished with %d %s",
				r.Destination, r.Mode, len(r.Failures), plural(len(r.Failures), "failure", "failures")))
		default:
			header = green.Render(fmt.Sprintf("✓ %s (%s)", r.Destination, r.Mode))
		}

		counts := fmt.Sprintf("%d copied, %d deleted, %d unchanged", r.Copied, r.Deleted, r.Unchanged)
		if len(r.Vanished) > 0 {
			counts += fmt.Sprintf(", %d vanished", len(r.Vanished))
		}
		if r.Duration > 0 {
			counts += fmt.Sprintf(" in %s", r.Duration.Round(100*time.Millisecond))
		}

		shown := len(r.Failures)
		if shown > summaryMaxFailures {
			shown = summaryMaxFailures
		}
		failures := make([]string, 0, shown)
		for _, f := range r.Failures[:shown] {
			failures = append(failures, f.String())
		}

		data.Destinations = append(data.Destinations, summaryDest{
			Header:    header,
			Counts:    counts,
			Failures:  failures,
			MoreCount: len(r.Failures) - shown,
		})
	}

	if len(steps) > 0 {
		data.StepsHeader = bold.Render("Steps:")
		for _, s := range steps {
			line := fmt.Sprintf("%-10s %s", s.Name, s.Outcome)
			if s.Detail != "" {
				line += " (" + s.Detail + ")"
			}
			switch s.Outcome {
			case "failed":
				line = red.Render(line)
			case "unknown", "skipped":
				line = yellow.Render(line)
			}
			data.Steps = append(data.Steps, line)
		}
	}

	var buf strings.Builder
	_ = summaryTmpl.Execute(&buf, data)
	_, _ = io.WriteString(w, buf.String())
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
