package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/agentworkforce/curamigrate/internal/collect"
	"github.com/agentworkforce/curamigrate/internal/entity"
	"github.com/agentworkforce/curamigrate/internal/ledger"
	"github.com/agentworkforce/curamigrate/internal/linkage"
	"github.com/agentworkforce/curamigrate/internal/migrate"
	"github.com/agentworkforce/curamigrate/internal/sink"
)

var (
	headingColor = color.New(color.FgCyan, color.Bold)
	labelColor   = color.New(color.FgWhite)
	goodColor    = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	badColor     = color.New(color.FgRed, color.Bold)
)

func printRow(w io.Writer, label string, value any) {
	labelColor.Fprintf(w, "  %-12s", label)
	fmt.Fprintf(w, "%v\n", value)
}

func printCollect(w io.Writer, res *collect.Result) {
	if res == nil {
		return
	}
	headingColor.Fprintln(w, "Collect")
	printRow(w, "fetched", res.Fetched)
	printRow(w, "reused", res.Reused)
	printRow(w, "embedded", res.Embedded)
	printRow(w, "skipped", res.Skipped)
	printRow(w, "expanded", res.Expanded)
}

func printLink(w io.Writer, stats linkage.Stats) {
	headingColor.Fprintln(w, "Link")
	printRow(w, "works", stats.Works)
	printRow(w, "rewritten", stats.Rewritten)
	printRow(w, "unchanged", stats.Unchanged)
}

func printSync(w io.Writer, report *sink.Report, ledgerPath string) {
	if report == nil {
		return
	}
	headingColor.Fprintln(w, "Sync")
	printRow(w, "total", report.Total)
	printRow(w, "present", report.Present)
	printRow(w, "created", goodColor.Sprint(report.Created))
	printRow(w, "conflicts", report.Conflicts)
	if report.Failed > 0 {
		printRow(w, "failed", badColor.Sprint(report.Failed))
		printRow(w, "ledger", ledgerPath)
	} else {
		printRow(w, "failed", 0)
	}
	printRow(w, "elapsed", report.Elapsed.Round(time.Millisecond))
	if report.Complete() {
		goodColor.Fprintln(w, "complete")
	} else {
		warnColor.Fprintln(w, "incomplete: rerun sync after fixing the ledger entries")
	}
}

// printSummary prints every step of a run that got far enough to report.
func printSummary(w io.Writer, summary *migrate.Summary, ledgerPath string) {
	if summary == nil {
		return
	}
	printCollect(w, summary.Collect)
	if summary.Linked {
		printLink(w, summary.Link)
	}
	printSync(w, summary.Sync, ledgerPath)
}

// printCounts lists per-type counts with the priority types first.
func printCounts(w io.Writer, counts map[entity.Type]int, priority []entity.Type) {
	headingColor.Fprintln(w, "Store")
	seen := map[entity.Type]struct{}{}
	total := 0
	for _, t := range priority {
		if n, ok := counts[t]; ok {
			if _, dup := seen[t]; !dup {
				printRow(w, string(t), n)
				total += n
			}
		}
		seen[t] = struct{}{}
	}
	var rest []entity.Type
	for t := range counts {
		if _, ok := seen[t]; !ok {
			rest = append(rest, t)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	for _, t := range rest {
		printRow(w, string(t), counts[t])
		total += counts[t]
	}
	printRow(w, "total", total)
}

func printEntry(w io.Writer, e ledger.Entry) {
	status := "-"
	if e.HTTPStatus != 0 {
		status = fmt.Sprint(e.HTTPStatus)
	}
	labelColor.Fprintf(w, "%s ", e.Timestamp.Format(time.RFC3339))
	warnColor.Fprintf(w, "%s(%s) ", e.EntityType, e.Identity)
	badColor.Fprintf(w, "%s ", status)
	fmt.Fprintln(w, e.Message)
}
