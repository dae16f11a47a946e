package model

import (
	"strings"
	"time"
)

// CallSummary is one completed call as served by the analytics feed
type CallSummary struct {
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp"`
	Room      string `json:"room,omitempty"`
	Usage     Usage  `json:"usage"`
	Summary   string `json:"summary,omitempty"`
}

// timestampLayouts are tried in order when a call timestamp is needed as a time
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses the agent-reported timestamp. Timestamps without a
// zone are read in loc (UTC when loc is nil).
func ParseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CostBreakdown is the cost of one usage record split by category
type CostBreakdown struct {
	Connection float64 `json:"connection"`
	STT        float64 `json:"stt"`
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	TTS        float64 `json:"tts"`
}

// Total sums every category
func (b CostBreakdown) Total() float64 {
	return b.Connection + b.STT + b.Input + b.Output + b.TTS
}

// Totals summarizes a set of calls
type Totals struct {
	TotalCost              float64 `json:"total_cost"`
	TotalDurationSeconds   float64 `json:"total_duration_seconds"`
	Count                  int     `json:"count"`
	AverageDurationMinutes float64 `json:"average_duration_minutes"`
	SkippedCount           int     `json:"skipped_count"`
}

// AggregatedUsage represents usage aggregated by some key (day, month)
type AggregatedUsage struct {
	Key       string      // The grouping key (date, month)
	Usage     UsageRecord // Summed quantities
	Cost      float64     // Total cost
	CallCount int         // Number of calls aggregated
}
