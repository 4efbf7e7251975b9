// Package tui renders CLI output. Simple streaming text, no full-screen
// TUI, just styled prompts and tables.
package tui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/fetch"
	"github.com/chemflow/chemflow/pkg/materialize"
	"github.com/chemflow/chemflow/pkg/validate"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF6600")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	failure = lipgloss.Color("#FF3333")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(failure).Bold(true)
)

// PrintDatasetList prints catalog entries as a table.
func PrintDatasetList(datasets []*catalog.Dataset) {
	if len(datasets) == 0 {
		fmt.Println(mutedStyle.Render("  No datasets match."))
		return
	}

	idWidth := len("DATASET")
	catWidth := len("CATEGORY")
	for _, d := range datasets {
		if len(d.ID) > idWidth {
			idWidth = len(d.ID)
		}
		if len(d.Category) > catWidth {
			catWidth = len(d.Category)
		}
	}

	fmt.Printf("  %s  %s  %s\n",
		mutedStyle.Render(pad("DATASET", idWidth)),
		mutedStyle.Render(pad("CATEGORY", catWidth)),
		mutedStyle.Render("SOURCE"))
	for _, d := range datasets {
		fmt.Printf("  %s  %s  %s\n",
			titleStyle.Render(pad(d.ID, idWidth)),
			pad(d.Category, catWidth),
			mutedStyle.Render(d.Source))
	}
	fmt.Println()
	fmt.Println(mutedStyle.Render(fmt.Sprintf("  %d datasets", len(datasets))))
}

// PrintDatasetDetail prints one catalog entry in full.
func PrintDatasetDetail(d *catalog.Dataset) {
	fmt.Println()
	fmt.Println("  " + titleStyle.Render(d.Name) + "  " + mutedStyle.Render("("+d.ID+")"))
	if d.Description != "" {
		fmt.Println(mutedStyle.Render("  " + d.Description))
	}
	fmt.Println()
	printField("Source", d.Source)
	printField("Category", d.Category)
	printField("Format", string(d.Format))
	if d.LicenseName != "" {
		printField("License", d.LicenseName)
	}
	if d.IsAPI() {
		printField("Endpoint", d.API.Endpoint)
	} else {
		printField("URLs", fmt.Sprintf("%d (%s mode)", len(d.URLs), d.EffectiveURLMode()))
	}
	if len(d.Tags) > 0 {
		printField("Tags", strings.Join(d.Tags, ", "))
	}
	if notes := d.ResolvedUsageNotes(); len(notes) > 0 {
		fmt.Println()
		for _, note := range notes {
			fmt.Println(mutedStyle.Render("  " + note))
		}
	}
	fmt.Println()
}

func printField(name, value string) {
	fmt.Printf("  %s %s\n", mutedStyle.Render(pad(name+":", 10)), value)
}

// PrintFetchResult prints the outcome of one fetch.
func PrintFetchResult(res *fetch.Result) {
	status := successStyle.Render("✓ fetched")
	if res.CacheHit {
		status = mutedStyle.Render("✓ cached")
		if res.Refreshed {
			status = successStyle.Render("✓ cached (revalidated)")
		}
	}
	detail := ""
	if res.BytesDownloaded > 0 {
		detail = mutedStyle.Render(" " + FormatBytes(res.BytesDownloaded))
	}
	fmt.Printf("  %s %s%s\n", status, titleStyle.Render(res.DatasetID), detail)
}

// PrintMaterializeResult prints the outcome of one materialization.
func PrintMaterializeResult(res *materialize.Result, elapsed time.Duration) {
	status := successStyle.Render("✓ materialized")
	if res.CacheHit {
		status = mutedStyle.Render("✓ cached")
	}
	fmt.Printf("  %s %s %s\n",
		status,
		titleStyle.Render(res.DatasetID),
		mutedStyle.Render(fmt.Sprintf("(%s rows, %d parts, %s)",
			FormatNumber(res.RowCount), len(res.Parts), FormatDuration(elapsed))))
}

// PrintFailure prints a per-dataset error line.
func PrintFailure(datasetID string, err error) {
	fmt.Printf("  %s %s %s\n",
		failureStyle.Render("✗"),
		titleStyle.Render(datasetID),
		mutedStyle.Render(err.Error()))
}

// PrintValidationResults prints source probe outcomes.
func PrintValidationResults(results []*validate.Result) {
	okCount := 0
	for _, res := range results {
		if res.OK {
			okCount++
			extra := ""
			if res.Cached {
				extra = " (cached)"
			}
			fmt.Printf("  %s %s %s\n",
				successStyle.Render("✓"),
				titleStyle.Render(res.DatasetID),
				mutedStyle.Render(fmt.Sprintf("%s %dms%s", res.SourceType, res.LatencyMS, extra)))
			continue
		}
		fmt.Printf("  %s %s %s\n",
			failureStyle.Render("✗"),
			titleStyle.Render(res.DatasetID),
			mutedStyle.Render(res.Error))
	}
	fmt.Println()
	if okCount == len(results) {
		fmt.Println(successStyle.Render(fmt.Sprintf("  ✓ %d/%d sources reachable", okCount, len(results))))
	} else {
		fmt.Println(failureStyle.Render(fmt.Sprintf("  ✗ %d/%d sources reachable", okCount, len(results))))
	}
}

// PrintQueryRows prints query results as an aligned table.
func PrintQueryRows(columns []string, rows []map[string]interface{}) {
	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = len(col)
	}
	cells := make([][]string, len(rows))
	for r, row := range rows {
		cells[r] = make([]string, len(columns))
		for i, col := range columns {
			cells[r][i] = formatCell(row[col])
			if len(cells[r][i]) > widths[i] {
				widths[i] = len(cells[r][i])
			}
		}
	}

	var header strings.Builder
	for i, col := range columns {
		if i > 0 {
			header.WriteString("  ")
		}
		header.WriteString(pad(col, widths[i]))
	}
	fmt.Println("  " + accentStyle.Render(header.String()))
	for _, row := range cells {
		var line strings.Builder
		for i, cell := range row {
			if i > 0 {
				line.WriteString("  ")
			}
			line.WriteString(pad(cell, widths[i]))
		}
		fmt.Println("  " + line.String())
	}
	fmt.Println()
	fmt.Println(mutedStyle.Render(fmt.Sprintf("  %d rows", len(rows))))
}

func formatCell(v interface{}) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprintf("%v", v)
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// FormatBytes renders a byte count in a human-readable way.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

// FormatNumber renders a count with K/M suffixes.
func FormatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// ShowProgress creates a download progress bar writing to stderr. The
// returned bar is an io.Writer; tee the download stream through it.
func ShowProgress(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
