package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	coredns "github.com/artpar/stackup/internal/core/dns"
	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/rollout"
	"github.com/artpar/stackup/internal/shell/store"
)

var (
	colorGreen = lipgloss.Color("#22c55e")
	colorRed   = lipgloss.Color("#ef4444")
	colorAmber = lipgloss.Color("#f59e0b")
	colorBlue  = lipgloss.Color("#3b82f6")
	colorDim   = lipgloss.Color("#6b7280")
	colorWhite = lipgloss.Color("#f9fafb")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBlue)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	greenStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	redStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	amberStyle = lipgloss.NewStyle().
			Foreground(colorAmber)
)

// stateStyle colors a unit state by outcome.
func stateStyle(state domain.UnitState) lipgloss.Style {
	switch state {
	case domain.StateReady, domain.StateDeployedManaged:
		return greenStyle
	case domain.StateFailed:
		return redStyle
	case domain.StateTimedOut, domain.StateTornDown:
		return amberStyle
	default:
		return dimStyle
	}
}

func writeHeader(b *strings.Builder, title string) {
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("  " + title))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("═", 30)))
	b.WriteString("\n")
}

func writeSection(b *strings.Builder, title string) {
	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("  " + title))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("─", 35)))
	b.WriteString("\n")
}

func writeRecord(b *strings.Builder, rec domain.ReconciliationRecord) {
	state := stateStyle(rec.State).Render(fmt.Sprintf("%-16s", rec.State))
	fmt.Fprintf(b, "    %-20s %s", rec.Unit, state)
	if rec.ControlPlane != 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf(" stack #%d", rec.ControlPlane)))
	}
	b.WriteString("\n")
	if rec.Error != "" {
		b.WriteString(redStyle.Render("      " + rec.Error))
		b.WriteString("\n")
	}
}

// =============================================================================
// Run Report
// =============================================================================

// renderReport produces the end-of-run summary. ingressIP fills the DNS
// instructions for unresolved hostnames and may be empty.
func renderReport(report *domain.RunReport, ingressIP string) string {
	var b strings.Builder

	writeHeader(&b, "stackup run "+report.RunID)

	byUnit := make(map[string]domain.ReconciliationRecord, len(report.Records))
	for _, rec := range report.Records {
		byUnit[rec.Unit] = rec
	}
	for i, stage := range report.Stages {
		writeSection(&b, fmt.Sprintf("Stage %d", i+1))
		for _, unit := range stage {
			if rec, ok := byUnit[unit]; ok {
				writeRecord(&b, rec)
			}
		}
	}

	if len(report.Warnings) > 0 {
		writeSection(&b, "Warnings")
		for _, w := range report.Warnings {
			b.WriteString(amberStyle.Render("    ! " + w))
			b.WriteString("\n")
		}
	}

	if len(report.UnresolvedHosts) > 0 {
		writeSection(&b, "DNS")
		b.WriteString(dimStyle.Render("    Create these records, then rerun to verify:"))
		b.WriteString("\n")
		for _, in := range coredns.GenerateInstructions(report.UnresolvedHosts, ingressIP) {
			fmt.Fprintf(&b, "    %-2s %-32s %s\n", in.Type, in.Name, in.Value)
		}
	}

	writeSection(&b, "Summary")
	counts := report.CountByState()
	fmt.Fprintf(&b, "    Units:       %d\n", len(report.Records))
	fmt.Fprintf(&b, "    Ready:       %d\n", counts[domain.StateReady])
	fmt.Fprintf(&b, "    Managed:     %d\n", counts[domain.StateDeployedManaged])
	if n := counts[domain.StateTimedOut]; n > 0 {
		fmt.Fprintf(&b, "    Timed out:   %s\n", amberStyle.Render(fmt.Sprint(n)))
	}
	if n := counts[domain.StateFailed]; n > 0 {
		fmt.Fprintf(&b, "    Failed:      %s\n", redStyle.Render(fmt.Sprint(n)))
	}
	reconciled := dimStyle.Render("no")
	if report.Reconciled {
		reconciled = greenStyle.Render("yes")
	}
	fmt.Fprintf(&b, "    Reconciled:  %s\n", reconciled)
	fmt.Fprintf(&b, "    Duration:    %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Second))

	return b.String()
}

// =============================================================================
// Plan
// =============================================================================

// renderPlan lists the deployment stages and the resources ensured up front.
func renderPlan(prepared *rollout.Prepared, plan rollout.Plan) string {
	var b strings.Builder

	writeHeader(&b, "stackup plan")

	upfront, bound := domain.SplitResources(plan.Resources)
	if len(upfront) > 0 {
		writeSection(&b, "Resources")
		for _, r := range upfront {
			fmt.Fprintf(&b, "    %s\n", r)
		}
	}

	for _, stage := range prepared.Stages {
		writeSection(&b, fmt.Sprintf("Stage %d", stage.Index+1))
		for _, unit := range stage.Units {
			fmt.Fprintf(&b, "    %-20s", unit.Name)
			var notes []string
			if unit.ControlPlane {
				notes = append(notes, "control plane")
			} else if unit.Adopt {
				notes = append(notes, "adopt")
			}
			if unit.Probe != nil {
				notes = append(notes, fmt.Sprintf("probe %s %s", unit.Probe.Protocol, unit.Probe.Endpoint))
			}
			if len(notes) > 0 {
				b.WriteString(dimStyle.Render(strings.Join(notes, ", ")))
			}
			b.WriteString("\n")
			for _, r := range bound[unit.Name] {
				b.WriteString(dimStyle.Render(fmt.Sprintf("      then %s", r)))
				b.WriteString("\n")
			}
		}
	}

	if hosts := prepared.Hosts(); len(hosts) > 0 {
		writeSection(&b, "Hostnames")
		for _, h := range hosts {
			fmt.Fprintf(&b, "    %s\n", h)
		}
	}

	return b.String()
}

// =============================================================================
// Status
// =============================================================================

// renderStatus shows the persisted record of every unit and the recent runs.
func renderStatus(records []domain.ReconciliationRecord, runs []store.Run) string {
	var b strings.Builder

	writeHeader(&b, "stackup status")

	writeSection(&b, "Units")
	if len(records) == 0 {
		b.WriteString(dimStyle.Render("    No units recorded. Run 'stackup run' first."))
		b.WriteString("\n")
	}
	for _, rec := range records {
		writeRecord(&b, rec)
	}

	if len(runs) > 0 {
		writeSection(&b, "Runs")
		for _, run := range runs {
			fmt.Fprintf(&b, "    %s  %-10s %s  %s\n",
				dimStyle.Render(run.StartedAt.Format(time.RFC3339)),
				run.Command,
				runStatusStyle(run.Status).Render(fmt.Sprintf("%-9s", run.Status)),
				run.ID,
			)
			if run.Message != "" {
				b.WriteString(dimStyle.Render("      " + run.Message))
				b.WriteString("\n")
			}
		}
	}

	return b.String()
}

func runStatusStyle(status store.RunStatus) lipgloss.Style {
	switch status {
	case store.RunSucceeded:
		return greenStyle
	case store.RunPartial:
		return amberStyle
	case store.RunFailed:
		return redStyle
	default:
		return dimStyle
	}
}
