// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/pick-agent/internal/scheduler"
	"github.com/jonathan/pick-agent/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 8
	// factorNameWidth is the padded width of a factor name column
	factorNameWidth = 16
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	for _, line := range lines {
		// Truncate long lines
		if len([]rune(line)) > boxWidth-4 {
			line = string([]rune(line)[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRunDetail outputs a run, its factor table and its outcome.
func (p *Printer) PrintRunDetail(detail *types.RunDetail) {
	if detail == nil || detail.Run == nil {
		return
	}
	run := detail.Run

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", run.ID))
	sb.WriteString(fmt.Sprintf("Capper:   %s (%s %s)\n", run.SubjectID, run.Category, run.Kind))
	sb.WriteString(fmt.Sprintf("Game:     %s @ %s\n", run.GameID, run.GameStart.UTC().Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("State:    %s\n", run.State))
	if run.Decision != nil {
		sb.WriteString(fmt.Sprintf("Decision: %s", *run.Decision))
		if run.Selection != nil {
			sb.WriteString(fmt.Sprintf(" %s", *run.Selection))
		}
		sb.WriteString("\n")
	}
	if run.Confidence != nil {
		sb.WriteString(fmt.Sprintf("Confidence: %.2f", *run.Confidence))
		if run.Tier != nil {
			sb.WriteString(fmt.Sprintf(" (%s)", *run.Tier))
		}
		sb.WriteString("\n")
	}
	if run.ErrorMessage != nil {
		sb.WriteString(fmt.Sprintf("Error:    %s\n", *run.ErrorMessage))
	}

	if len(detail.Steps) > 0 {
		names := make([]string, 0, len(detail.Steps))
		for _, s := range detail.Steps {
			names = append(names, s.Step)
		}
		sb.WriteString(fmt.Sprintf("\nSteps: %s\n", strings.Join(names, " → ")))
	}

	p.printBox("PIPELINE RUN", sb.String())

	p.PrintFactors(detail.Factors)
	p.PrintOutcome(detail.Outcome)
}

// PrintFactors outputs the scored factors of a run.
func (p *Printer) PrintFactors(factors []types.Factor) {
	if len(factors) == 0 {
		return
	}

	var sb strings.Builder
	var total float64
	count := min(len(factors), maxItemsToShow)
	for i := 0; i < count; i++ {
		f := factors[i]
		// A capped row with a full-width name still fits the box.
		sb.WriteString(fmt.Sprintf("%d. %-*s %+.3f × %.2f = %+.3f", f.FactorNo, factorNameWidth, f.Name, f.NormalizedValue, f.Weight, f.Points))
		if f.CapsApplied {
			sb.WriteString(" (capped)")
		}
		sb.WriteString("\n")
	}
	for _, f := range factors {
		total += f.Points
	}
	if len(factors) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("   ... and %d more\n", len(factors)-maxItemsToShow))
	}
	sb.WriteString(fmt.Sprintf("\nTotal points: %+.3f\n", total))

	p.printBox(fmt.Sprintf("FACTORS (%d)", len(factors)), sb.String())
}

// PrintOutcome outputs the actionable record of a PICK.
func (p *Printer) PrintOutcome(outcome *types.Outcome) {
	if outcome == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Selection:  %s %.1f (%+d)\n", outcome.Selection, outcome.Line, outcome.Price))
	sb.WriteString(fmt.Sprintf("Confidence: %.2f (%s)\n", outcome.Confidence, outcome.Tier))
	sb.WriteString(fmt.Sprintf("Units:      %.1f\n", outcome.Units))
	if outcome.Result != nil {
		sb.WriteString(fmt.Sprintf("Result:     %s", *outcome.Result))
		if outcome.ProfitUnits != nil {
			sb.WriteString(fmt.Sprintf(" (%+.2f units)", *outcome.ProfitUnits))
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("Result:     ungraded\n")
	}

	p.printBox("OUTCOME", sb.String())
}

// PrintSummary outputs the dispatch results of one scheduler cycle.
func (p *Printer) PrintSummary(summary *scheduler.Summary) {
	if summary == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Status:   %s\n", summary.Status))
	sb.WriteString(fmt.Sprintf("Executed: %d\n", summary.ExecutedCount))
	if len(summary.Results) > 0 {
		sb.WriteString("\n")
	}
	for _, r := range summary.Results {
		sb.WriteString(fmt.Sprintf("• %s/%s/%s: %s", r.SubjectID, r.Category, r.Kind, r.Status))
		if r.Decision != "" {
			sb.WriteString(" " + r.Decision)
		}
		if r.Error != "" {
			sb.WriteString(" (" + r.Error + ")")
		}
		sb.WriteString("\n")
	}

	p.printBox("SCHEDULER CYCLE", sb.String())
}
