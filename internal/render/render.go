// Package render prints workspace state and operation results for the terminal.
package render

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/auth"
	"github.com/KaramelBytes/dida-cli/internal/chat"
	"github.com/KaramelBytes/dida-cli/internal/dataset"
	"github.com/KaramelBytes/dida-cli/internal/operation"
)

// maxCell bounds table cell width in runes.
const maxCell = 28

// Printer writes status lines and result blocks to w.
type Printer struct {
	w    io.Writer
	ok   *color.Color
	warn *color.Color
	fail *color.Color
	head *color.Color
	dim  *color.Color
}

func New(w io.Writer) *Printer {
	return &Printer{
		w:    w,
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		fail: color.New(color.FgRed),
		head: color.New(color.Bold),
		dim:  color.New(color.Faint),
	}
}

func (p *Printer) OK(format string, args ...any) {
	p.ok.Fprint(p.w, "✓ ")
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *Printer) Warn(format string, args ...any) {
	p.warn.Fprint(p.w, "⚠ ")
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *Printer) Fail(format string, args ...any) {
	p.fail.Fprint(p.w, "✗ ")
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *Printer) Heading(s string) {
	p.head.Fprintln(p.w, s)
}

func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *Printer) list(title string, items []string) {
	if len(items) == 0 {
		return
	}
	p.head.Fprintf(p.w, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(p.w, "  - %s\n", it)
	}
}

// Descriptor prints the dataset shape and its preview.
func (p *Printer) Descriptor(d *dataset.Descriptor) {
	if d == nil {
		p.Warn("No dataset loaded")
		return
	}
	p.Heading(fmt.Sprintf("%s (%s)", d.Name, d.Format))
	p.Line("Rows: %d  Columns: %d  Source: %s", d.Rows, d.Columns, d.Source)
	if len(d.ColumnNames) > 0 {
		p.Line("Columns: %s", strings.Join(d.ColumnNames, ", "))
	}
	if len(d.Preview) > 0 {
		p.Line("")
		p.Table(d.Preview, d.ColumnNames)
		if d.Rows > len(d.Preview) {
			p.dim.Fprintf(p.w, "(showing %d of %d rows)\n", len(d.Preview), d.Rows)
		}
	}
}

// Table prints rows aligned under cols. Columns missing from cols are
// appended in first-seen order.
func (p *Printer) Table(rows []api.Row, cols []string) {
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		seen[c] = true
	}
	for _, c := range api.ColumnsOf(rows) {
		if !seen[c] {
			cols = append(cols, c)
			seen[c] = true
		}
	}
	if len(cols) == 0 {
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	for _, r := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			v, _ := r.Get(c)
			cells[i] = Cell(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
}

// Cell formats one value for a table.
func Cell(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		s = ""
	case float64:
		s = fmt.Sprintf("%g", x)
	case string:
		s = x
	default:
		s = fmt.Sprint(x)
	}
	s = strings.NewReplacer("\n", " ", "\t", " ").Replace(s)
	if r := []rune(s); len(r) > maxCell {
		s = string(r[:maxCell-1]) + "…"
	}
	return s
}

func (p *Printer) Analysis(r *api.AnalysisResponse) {
	if r.OverallQualityScore != nil {
		p.OK("Quality score: %.1f/100", *r.OverallQualityScore)
	}
	if r.SuggestedTarget != "" {
		p.Line("Suggested target: %s", r.SuggestedTarget)
	}
	if len(r.Columns) > 0 {
		tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "column\ttype\tnulls\tunique\tmeaning\tissues")
		for _, c := range r.Columns {
			name := c.Name
			if c.IsPrimaryKey {
				name += " (key)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d (%.1f%%)\t%d\t%s\t%s\n",
				name, c.DataType, c.NullCount, c.NullPercentage, c.UniqueCount,
				Cell(c.InferredMeaning), strings.Join(c.DetectedIssues, "; "))
		}
		_ = tw.Flush()
	}
	p.list("Insights", r.DomainInsights)
	p.list("Warnings", r.Warnings)
	p.list("Questions", r.QuestionsForUser)
}

func (p *Printer) Cleaning(r *api.CleaningResponse) {
	p.OK("%s", nonEmpty(r.Summary, "Cleaning complete"))
	if r.RowsAfter != nil || r.ColumnsAfter != nil {
		p.Line("Rows: %s -> %s  Columns: %s -> %s", count(r.RowsBefore), count(r.RowsAfter), count(r.ColumnsBefore), count(r.ColumnsAfter))
	}
	if len(r.Decisions) > 0 {
		tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "column\taction\trows\treason")
		for _, d := range r.Decisions {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.Column, d.Action, d.AffectedRows, d.Reason)
		}
		_ = tw.Flush()
	}
	p.list("Steps", r.CleaningSteps)
	if preview := r.PreviewRows(); len(preview) > 0 {
		p.Line("")
		p.Table(preview, nil)
	}
}

func (p *Printer) Features(r *api.FeatureResponse) {
	p.OK("%s", nonEmpty(r.Summary, "Feature engineering complete"))
	p.list("New features", r.NewFeatures)
	if len(r.FeatureImportance) > 0 {
		p.head.Fprintln(p.w, "Importance:")
		keys := make([]string, 0, len(r.FeatureImportance))
		for k := range r.FeatureImportance {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return r.FeatureImportance[keys[i]] > r.FeatureImportance[keys[j]] })
		for _, k := range keys {
			p.Line("  %-24s %.3f", k, r.FeatureImportance[k])
		}
	}
	if r.CodeGenerated != "" {
		p.head.Fprintln(p.w, "Code:")
		p.dim.Fprintln(p.w, r.CodeGenerated)
	}
}

// Report prints the report summary; link turns a backend reference into a URL.
func (p *Printer) Report(r *api.ReportResponse, link func(string) string) {
	p.OK("%s", nonEmpty(r.Summary, "Report generated"))
	if r.ReportURL != "" {
		p.Line("Report: %s", link(r.ReportURL))
	}
	p.list("Insights", r.Insights)
}

func (p *Printer) Export(r *api.ExportResponse, link func(string) string) {
	p.OK("%s", nonEmpty(r.Summary, "Export complete"))
	p.links(r.Files, link)
}

func (p *Printer) MLPrep(r *api.MLPrepResponse, link func(string) string) {
	p.OK("Prepared %s data: %d train / %d test, %d features", r.ProblemType, r.TrainSamples, r.TestSamples, r.NumFeatures)
	if len(r.ClassDistribution) > 0 {
		keys := make([]string, 0, len(r.ClassDistribution))
		for k := range r.ClassDistribution {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%d", k, r.ClassDistribution[k])
		}
		p.Line("Classes: %s", strings.Join(parts, " "))
	}
	p.list("Encoded", r.EncodedColumns)
	p.list("Scaled", r.ScaledColumns)
	p.list("Recommended algorithms", r.RecommendedAlgorithms)
	for _, w := range r.Warnings {
		p.Warn("%s", w)
	}
	p.list("Best practices", r.BestPractices)
	p.links(r.DownloadURLs, link)
}

func (p *Printer) links(files map[string]string, link func(string) string) {
	if len(files) == 0 {
		return
	}
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	p.head.Fprintln(p.w, "Downloads:")
	for _, k := range keys {
		p.Line("  %-10s %s", k, link(files[k]))
	}
}

// Turn prints one chat entry.
func (p *Printer) Turn(t chat.Turn) {
	label := p.ok
	if t.Role == chat.RoleUser {
		label = p.head
	}
	label.Fprintf(p.w, "%s", t.Role)
	p.dim.Fprintf(p.w, " [%s]\n", t.Timestamp.Local().Format("15:04:05"))
	p.Line("%s", t.Content)
	if len(t.DataResult) > 0 {
		p.Table(t.DataResult, nil)
	}
	if len(t.Visualization) > 0 {
		if kind, ok := t.Visualization["type"].(string); ok {
			p.dim.Fprintf(p.w, "(%s chart available in the web UI)\n", kind)
		}
	}
}

func (p *Printer) Auth(st auth.Status, lastErr string) {
	switch st {
	case auth.SessionKeyActive:
		p.OK("Using your session API key")
	case auth.SystemKeyAvailable:
		p.OK("Using the server's API key")
	default:
		p.Warn("No API key configured; run 'dida auth set-key'")
	}
	if lastErr != "" {
		p.Fail("Last key error: %s", lastErr)
	}
}

// Operation prints a one-line lifecycle summary.
func Operation[T any](p *Printer, label string, s operation.State[T], busy bool) {
	switch s.Phase {
	case operation.Succeeded:
		p.ok.Fprint(p.w, "✓ ")
		fmt.Fprintf(p.w, "%-20s succeeded %s\n", label, since(s.SettledAt))
	case operation.Failed:
		p.fail.Fprint(p.w, "✗ ")
		fmt.Fprintf(p.w, "%-20s failed: %s\n", label, s.Err)
	case operation.Running:
		p.warn.Fprint(p.w, "… ")
		fmt.Fprintf(p.w, "%-20s running since %s\n", label, s.StartedAt.Local().Format("15:04:05"))
	default:
		if busy {
			p.warn.Fprint(p.w, "… ")
			fmt.Fprintf(p.w, "%-20s busy\n", label)
			return
		}
		p.dim.Fprintf(p.w, "- %-20s not run\n", label)
	}
}

func since(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return "at " + t.Local().Format("2006-01-02 15:04")
}

func count(n *int) string {
	if n == nil {
		return "?"
	}
	return strconv.Itoa(*n)
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
