// Package report renders hunt results and statistics for the terminal.
package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/screa/ip-hunter/internal/ledger"
	"github.com/screa/ip-hunter/internal/provision"
	"github.com/screa/ip-hunter/pkg/stats"
	"github.com/screa/ip-hunter/pkg/types"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	failureStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(20)

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func field(b *strings.Builder, label string, value any) {
	b.WriteString(labelStyle.Render(label))
	fmt.Fprintf(b, "%v\n", value)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("241"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// Summary renders the final outcome of a run
func Summary(result *types.HuntResult, runErr error, snap stats.Snapshot, now time.Time) string {
	var b strings.Builder
	if result != nil {
		b.WriteString(successStyle.Render("Match found"))
		b.WriteString("\n\n")
		field(&b, "Address", result.MatchedAddress)
		field(&b, "Range", result.MatchedRange)
		field(&b, "Resource", result.ResourceID)
		if len(result.Addresses) > 1 {
			field(&b, "All addresses", strings.Join(result.Addresses, ", "))
		}
		field(&b, "Worker", result.WorkerID)
	} else {
		msg := "Hunt stopped"
		if runErr != nil {
			msg += ": " + runErr.Error()
		}
		b.WriteString(failureStyle.Render(msg))
		b.WriteString("\n\n")
	}
	writeTotals(&b, snap, now)
	return b.String()
}

func writeTotals(b *strings.Builder, snap stats.Snapshot, now time.Time) {
	field(b, "Attempts", humanize.Comma(int64(snap.TotalAttempts)))
	field(b, "Unique addresses", humanize.Comma(int64(snap.UniqueAddresses())))
	field(b, "Repeats", humanize.Comma(int64(snap.DuplicateCount)))
	field(b, "Runtime", snap.Runtime(now).Truncate(time.Second))
	if !snap.StartedAt.IsZero() {
		field(b, "Started", fmt.Sprintf("%s (%s)", snap.StartedAt.Format(time.DateTime), humanize.Time(snap.StartedAt)))
	}
	if len(snap.Outcomes) > 0 {
		parts := make([]string, 0, len(snap.Outcomes))
		for _, o := range []types.Outcome{types.Matched, types.Unmatched, types.TransientError, types.QuotaError, types.AuthError} {
			if n := snap.Outcomes[o]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", o, n))
			}
		}
		field(b, "Outcomes", strings.Join(parts, " "))
	}
	if len(snap.Orphans) > 0 {
		field(b, "Orphaned", strings.Join(snap.Orphans, ", "))
	}
}

// Stats renders a statistics snapshot with the top addresses
func Stats(snap stats.Snapshot, top int, now time.Time) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Statistics"))
	b.WriteString("\n")
	writeTotals(&b, snap, now)

	if entries := snap.Top(top); len(entries) > 0 {
		t := newTable("Address", "Seen")
		for _, e := range entries {
			t.Row(e.Address, strconv.FormatUint(e.Count, 10))
		}
		b.WriteString("\n")
		b.WriteString(t.Render())
		b.WriteString("\n")
	}
	return b.String()
}

// History renders ledger entries, newest first
func History(entries []ledger.Entry) string {
	if len(entries) == 0 {
		return "No attempts recorded.\n"
	}
	t := newTable("Time", "Run", "Worker", "Attempt", "Outcome", "Resource", "Addresses", "Error")
	for _, e := range entries {
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		t.Row(
			e.Timestamp.Local().Format(time.DateTime),
			run,
			strconv.Itoa(e.WorkerID),
			strconv.FormatInt(e.AttemptNumber, 10),
			e.Outcome.String(),
			e.ResourceID,
			strings.Join(e.Addresses, ", "),
			truncate(e.Err, 40),
		)
	}
	return t.Render() + "\n"
}

// Networks renders the network list used to pick a floating network
func Networks(nets []provision.Network) string {
	if len(nets) == 0 {
		return "No networks found.\n"
	}
	t := newTable("ID", "Name", "Status", "External")
	for _, n := range nets {
		t.Row(n.ID, n.Name, n.Status, strconv.FormatBool(n.External))
	}
	return t.Render() + "\n"
}

// CheckResult is one address tested against the configured ranges
type CheckResult struct {
	Address string
	Range   string
	Matched bool
	Err     error
}

// Check renders offline range check results
func Check(results []CheckResult) string {
	t := newTable("Address", "Result", "Range")
	for _, r := range results {
		switch {
		case r.Err != nil:
			t.Row(r.Address, "invalid", r.Err.Error())
		case r.Matched:
			t.Row(r.Address, "match", r.Range)
		default:
			t.Row(r.Address, "no match", "")
		}
	}
	return t.Render() + "\n"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
