package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/zhaobenny/callcost/internal/analytics"
	"github.com/zhaobenny/callcost/internal/model"
	"github.com/zhaobenny/callcost/internal/pricing"
)

// TableOptions controls table display behavior
type TableOptions struct {
	ForceCompact bool
}

func (o TableOptions) compact() bool {
	return o.ForceCompact || terminalWidth() < compactThreshold
}

// FormatNumber formats a number with thousand separators
func FormatNumber(n int64) string {
	return humanize.Comma(n)
}

// FormatCost formats a cost value as currency
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.4f", cost)
}

// FormatMinutes formats a duration in seconds as minutes
func FormatMinutes(seconds float64) string {
	return fmt.Sprintf("%.1f", seconds/60)
}

func rule(w io.Writer, width int) {
	fmt.Fprintln(w, strings.Repeat("─", width))
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// PrintTotals prints the summary cards of a report
func PrintTotals(w io.Writer, t model.Totals) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Total cost:       %s\n", FormatCost(t.TotalCost))
	fmt.Fprintf(w, "Calls:            %d\n", t.Count)
	fmt.Fprintf(w, "Total minutes:    %s\n", FormatMinutes(t.TotalDurationSeconds))
	fmt.Fprintf(w, "Average minutes:  %.1f\n", t.AverageDurationMinutes)
	if t.SkippedCount > 0 {
		fmt.Fprintf(w, "Without usage:    %d (counted at $0)\n", t.SkippedCount)
	}
	fmt.Fprintln(w)
}

// PrintCalls prints one row per call with its cost breakdown
func PrintCalls(w io.Writer, calls []model.CallSummary, prices model.PriceTable, opts TableOptions) {
	if len(calls) == 0 {
		fmt.Fprintln(w, "No calls found.")
		return
	}

	if opts.compact() {
		const width = 20 + 2 + 8 + 2 + 10
		fmt.Fprintf(w, "%-20s  %8s  %10s\n", "Call", "Minutes", "Cost")
		rule(w, width)
		for _, c := range calls {
			rec, _ := c.Usage.Normalize()
			fmt.Fprintf(w, "%-20s  %8s  %10s\n", truncate(callLabel(c), 20), FormatMinutes(rec.DurationSeconds), FormatCost(pricing.CalculateCost(rec, prices)))
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "(Compact mode - expand terminal for full view)")
		return
	}

	const width = 20 + 2 + 20 + 2 + 8 + 2 + 10 + 2 + 10 + 2 + 10 + 2 + 10 + 2 + 10 + 2 + 10
	fmt.Fprintf(w, "%-20s  %-20s  %8s  %10s  %10s  %10s  %10s  %10s  %10s\n",
		"Call", "Started", "Minutes", "Connect", "STT", "Input", "Output", "TTS", "Cost")
	rule(w, width)
	for _, c := range calls {
		rec, ok := c.Usage.Normalize()
		b := pricing.Breakdown(rec, prices)
		cost := FormatCost(b.Total())
		if !ok {
			cost = "-"
		}
		fmt.Fprintf(w, "%-20s  %-20s  %8s  %10s  %10s  %10s  %10s  %10s  %10s\n",
			truncate(callLabel(c), 20), truncate(c.Timestamp, 20), FormatMinutes(rec.DurationSeconds),
			FormatCost(b.Connection), FormatCost(b.STT), FormatCost(b.Input), FormatCost(b.Output), FormatCost(b.TTS),
			cost)
	}
	fmt.Fprintln(w)
}

func callLabel(c model.CallSummary) string {
	if c.ID != "" {
		return c.ID
	}
	if c.Room != "" {
		return c.Room
	}
	return "-"
}

// PrintPeriods prints aggregated usage as a formatted table
func PrintPeriods(w io.Writer, results []model.AggregatedUsage, title string, opts TableOptions) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No usage data found.")
		return
	}

	keyWidth := max(len(title), 10)
	for _, r := range results {
		keyWidth = max(keyWidth, len(r.Key))
	}

	row := func(key, calls, minutes, input, output, tts, cost string) {
		if opts.compact() {
			fmt.Fprintf(w, "%-*s  %6s  %9s  %10s\n", keyWidth, key, calls, minutes, cost)
			return
		}
		fmt.Fprintf(w, "%-*s  %6s  %9s  %12s  %12s  %12s  %10s\n", keyWidth, key, calls, minutes, input, output, tts, cost)
	}
	width := keyWidth + 2 + 6 + 2 + 9 + 2 + 12 + 2 + 12 + 2 + 12 + 2 + 10
	if opts.compact() {
		width = keyWidth + 2 + 6 + 2 + 9 + 2 + 10
	}
	line := func(r model.AggregatedUsage) {
		row(r.Key, fmt.Sprint(r.CallCount), FormatMinutes(r.Usage.DurationSeconds),
			FormatNumber(r.Usage.InputTokens), FormatNumber(r.Usage.OutputTokens), FormatNumber(r.Usage.TTSCharacters),
			FormatCost(r.Cost))
	}

	fmt.Fprintln(w)
	row(title, "Calls", "Minutes", "Input", "Output", "TTS chars", "Cost")
	rule(w, width)
	for _, r := range results {
		line(r)
	}
	if len(results) > 1 {
		rule(w, width)
		line(analytics.CalculateTotal(results))
	}
	fmt.Fprintln(w)
}

// PrintBreakdown prints the cost of a single usage record
func PrintBreakdown(w io.Writer, rec model.UsageRecord, b model.CostBreakdown) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-16s  %14s  %10s\n", "Component", "Quantity", "Cost")
	rule(w, 16+2+14+2+10)
	fmt.Fprintf(w, "%-16s  %14s  %10s\n", "Connection", FormatMinutes(rec.DurationSeconds)+" min", FormatCost(b.Connection))
	fmt.Fprintf(w, "%-16s  %14s  %10s\n", "Speech to text", FormatMinutes(rec.DurationSeconds)+" min", FormatCost(b.STT))
	fmt.Fprintf(w, "%-16s  %14s  %10s\n", "Input tokens", FormatNumber(rec.InputTokens), FormatCost(b.Input))
	fmt.Fprintf(w, "%-16s  %14s  %10s\n", "Output tokens", FormatNumber(rec.OutputTokens), FormatCost(b.Output))
	fmt.Fprintf(w, "%-16s  %14s  %10s\n", "TTS characters", FormatNumber(rec.TTSCharacters), FormatCost(b.TTS))
	rule(w, 16+2+14+2+10)
	fmt.Fprintf(w, "%-16s  %14s  %10s\n", "Total", "", FormatCost(b.Total()))
	fmt.Fprintln(w)
}

// CallJSON is one call in the JSON report
type CallJSON struct {
	ID        string              `json:"id,omitempty"`
	Timestamp string              `json:"timestamp"`
	Room      string              `json:"room,omitempty"`
	Usage     *model.UsageRecord  `json:"usage"`
	Breakdown model.CostBreakdown `json:"breakdown"`
	Cost      float64             `json:"cost"`
}

// ReportJSON represents the JSON output of the report command
type ReportJSON struct {
	Totals model.Totals `json:"totals"`
	Calls  []CallJSON   `json:"calls"`
}

// NewReportJSON prices every call for the JSON report
func NewReportJSON(calls []model.CallSummary, prices model.PriceTable) ReportJSON {
	report := ReportJSON{
		Totals: analytics.Aggregate(calls, prices),
		Calls:  make([]CallJSON, 0, len(calls)),
	}
	for _, c := range calls {
		entry := CallJSON{ID: c.ID, Timestamp: c.Timestamp, Room: c.Room}
		if rec, ok := c.Usage.Normalize(); ok {
			entry.Usage = &rec
			entry.Breakdown = pricing.Breakdown(rec, prices)
			entry.Cost = entry.Breakdown.Total()
		}
		report.Calls = append(report.Calls, entry)
	}
	return report
}

// PeriodJSON is a single aggregated period in JSON format
type PeriodJSON struct {
	Key             string  `json:"key"`
	Calls           int     `json:"calls"`
	DurationSeconds float64 `json:"duration_seconds"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	TTSCharacters   int64   `json:"tts_characters"`
	Cost            float64 `json:"cost"`
}

// PeriodsJSON represents the JSON output of the daily and monthly commands
type PeriodsJSON struct {
	Results []PeriodJSON `json:"results"`
	Total   PeriodJSON   `json:"total"`
}

func periodJSON(r model.AggregatedUsage) PeriodJSON {
	return PeriodJSON{
		Key:             r.Key,
		Calls:           r.CallCount,
		DurationSeconds: r.Usage.DurationSeconds,
		InputTokens:     r.Usage.InputTokens,
		OutputTokens:    r.Usage.OutputTokens,
		TTSCharacters:   r.Usage.TTSCharacters,
		Cost:            r.Cost,
	}
}

// NewPeriodsJSON converts aggregated periods for JSON output
func NewPeriodsJSON(results []model.AggregatedUsage) PeriodsJSON {
	out := PeriodsJSON{Results: make([]PeriodJSON, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, periodJSON(r))
	}
	total := analytics.CalculateTotal(results)
	total.Key = "total"
	out.Total = periodJSON(total)
	return out
}

// PrintJSON writes v as indented JSON
func PrintJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
