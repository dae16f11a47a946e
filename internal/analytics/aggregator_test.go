package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhaobenny/callcost/internal/model"
	"github.com/zhaobenny/callcost/internal/pricing"
)

func call(ts string, usage model.Usage) model.CallSummary {
	return model.CallSummary{Timestamp: ts, Usage: usage}
}

func duration(seconds float64) model.Usage {
	return model.StructuredUsage(model.UsageRecord{DurationSeconds: seconds})
}

func TestAggregateEmpty(t *testing.T) {
	assert.Equal(t, model.Totals{}, Aggregate(nil, pricing.Default()))
	assert.Equal(t, model.Totals{}, Aggregate([]model.CallSummary{}, pricing.Default()))
}

func TestAggregateDurations(t *testing.T) {
	calls := []model.CallSummary{
		call("2025-01-01T10:00:00Z", duration(60)),
		call("2025-01-02T10:00:00Z", model.RawUsage(`{"duration_seconds": 120}`)),
		call("2025-01-03T10:00:00Z", duration(180)),
	}

	totals := Aggregate(calls, pricing.Default())
	assert.Equal(t, 360.0, totals.TotalDurationSeconds)
	assert.Equal(t, 3, totals.Count)
	assert.InDelta(t, 2.0, totals.AverageDurationMinutes, 1e-12)
	assert.Equal(t, 0, totals.SkippedCount)

	prices := pricing.Default()
	wantCost := 6 * (prices.ParticipantPerMinute + prices.STTPerMinute)
	assert.InDelta(t, wantCost, totals.TotalCost, 1e-12)
}

func TestAggregateSkipsMalformedWithoutAffectingOthers(t *testing.T) {
	good := model.StructuredUsage(model.UsageRecord{DurationSeconds: 120, InputTokens: 1000, OutputTokens: 500, TTSCharacters: 2000})
	calls := []model.CallSummary{
		call("2025-01-01T10:00:00Z", good),
		call("2025-01-01T11:00:00Z", model.RawUsage("{invalid json")),
		call("2025-01-01T12:00:00Z", model.AbsentUsage()),
	}

	totals := Aggregate(calls, pricing.Default())
	assert.InDelta(t, 0.11005, totals.TotalCost, 1e-12)
	assert.Equal(t, 120.0, totals.TotalDurationSeconds)
	assert.Equal(t, 3, totals.Count)
	assert.Equal(t, 2, totals.SkippedCount)
	assert.InDelta(t, 120.0/3/60, totals.AverageDurationMinutes, 1e-12)
}

func TestAggregateOrderIndependent(t *testing.T) {
	calls := []model.CallSummary{
		call("a", duration(10)),
		call("b", duration(20)),
		call("c", model.RawUsage(`{"input_tokens": 5000}`)),
	}
	reversed := []model.CallSummary{calls[2], calls[1], calls[0]}

	a := Aggregate(calls, pricing.Default())
	b := Aggregate(reversed, pricing.Default())
	assert.Equal(t, a.Count, b.Count)
	assert.InDelta(t, a.TotalCost, b.TotalCost, 1e-15)
	assert.Equal(t, a.TotalDurationSeconds, b.TotalDurationSeconds)
}

func TestByDay(t *testing.T) {
	calls := []model.CallSummary{
		call("2025-01-01T10:00:00Z", duration(60)),
		call("2025-01-01T23:30:00Z", duration(60)),
		call("2025-01-02T08:00:00Z", duration(120)),
		call("not a time", duration(30)),
	}

	results := ByDay(calls, Options{Prices: pricing.Default()})
	require.Len(t, results, 3)
	assert.Equal(t, "2025-01-02", results[0].Key)
	assert.Equal(t, "2025-01-01", results[1].Key)
	assert.Equal(t, 2, results[1].CallCount)
	assert.Equal(t, 120.0, results[1].Usage.DurationSeconds)
	assert.Equal(t, UnknownPeriod, results[2].Key)

	total := CalculateTotal(results)
	assert.Equal(t, 4, total.CallCount)
	assert.Equal(t, 270.0, total.Usage.DurationSeconds)
}

func TestByDayTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	results := ByDay([]model.CallSummary{call("2025-01-02T03:00:00Z", duration(60))}, Options{Timezone: loc})
	require.Len(t, results, 1)
	assert.Equal(t, "2025-01-01", results[0].Key)
}

func TestByMonth(t *testing.T) {
	calls := []model.CallSummary{
		call("2025-01-31T10:00:00Z", duration(60)),
		call("2025-02-01T10:00:00Z", duration(60)),
		call("2025-02-14 09:00:00", duration(60)),
	}

	results := ByMonth(calls, Options{Prices: pricing.Default()})
	require.Len(t, results, 2)
	assert.Equal(t, "2025-02", results[0].Key)
	assert.Equal(t, 2, results[0].CallCount)
}

func TestFilterCalls(t *testing.T) {
	calls := []model.CallSummary{
		call("2025-01-01T10:00:00Z", duration(60)),
		call("2025-01-05T10:00:00Z", duration(60)),
		call("garbage", duration(60)),
	}

	assert.Len(t, FilterCalls(calls, Options{}), 3)

	filtered := FilterCalls(calls, Options{Since: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)})
	require.Len(t, filtered, 1)
	assert.Equal(t, "2025-01-05T10:00:00Z", filtered[0].Timestamp)

	filtered = FilterCalls(calls, Options{Until: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)})
	require.Len(t, filtered, 1)
	assert.Equal(t, "2025-01-01T10:00:00Z", filtered[0].Timestamp)
}
