package analytics

import (
	"sort"
	"time"

	"github.com/zhaobenny/callcost/internal/model"
	"github.com/zhaobenny/callcost/internal/pricing"
)

// UnknownPeriod is the grouping key for calls whose timestamp cannot be parsed
const UnknownPeriod = "unknown"

// Options for filtering and grouping
type Options struct {
	Since    time.Time
	Until    time.Time
	Timezone *time.Location
	Prices   model.PriceTable
}

func (o Options) hasWindow() bool {
	return !o.Since.IsZero() || !o.Until.IsZero()
}

// Aggregate folds a set of calls into totals. Calls with missing or
// unparseable usage are counted and contribute zero; SkippedCount reports
// how many there were.
func Aggregate(calls []model.CallSummary, prices model.PriceTable) model.Totals {
	var totals model.Totals
	for _, c := range calls {
		if _, ok := c.Usage.Normalize(); !ok {
			totals.SkippedCount++
		}
		totals.TotalCost += pricing.EstimateCost(c.Usage, prices)
		totals.TotalDurationSeconds += pricing.ExtractUsageField(c.Usage, model.FieldDurationSeconds)
	}
	totals.Count = len(calls)
	if totals.Count > 0 {
		totals.AverageDurationMinutes = totals.TotalDurationSeconds / float64(totals.Count) / 60
	}
	return totals
}

// FilterCalls filters calls based on date range. Calls with an unparseable
// timestamp survive only when no range is set.
func FilterCalls(calls []model.CallSummary, opts Options) []model.CallSummary {
	if !opts.hasWindow() {
		return calls
	}
	var filtered []model.CallSummary
	for _, c := range calls {
		ts, ok := model.ParseTimestamp(c.Timestamp, opts.Timezone)
		if !ok {
			continue
		}
		if opts.Timezone != nil {
			ts = ts.In(opts.Timezone)
		}
		if !opts.Since.IsZero() && ts.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && ts.After(opts.Until) {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

// ByDay aggregates calls by day
func ByDay(calls []model.CallSummary, opts Options) []model.AggregatedUsage {
	return groupBy(calls, opts, "2006-01-02")
}

// ByMonth aggregates calls by month
func ByMonth(calls []model.CallSummary, opts Options) []model.AggregatedUsage {
	return groupBy(calls, opts, "2006-01")
}

func groupBy(calls []model.CallSummary, opts Options, layout string) []model.AggregatedUsage {
	grouped := make(map[string]*model.AggregatedUsage)

	for _, c := range calls {
		key := UnknownPeriod
		if ts, ok := model.ParseTimestamp(c.Timestamp, opts.Timezone); ok {
			if opts.Timezone != nil {
				ts = ts.In(opts.Timezone)
			}
			key = ts.Format(layout)
		}

		agg, ok := grouped[key]
		if !ok {
			agg = &model.AggregatedUsage{Key: key}
			grouped[key] = agg
		}

		rec, _ := c.Usage.Normalize()
		agg.Usage = agg.Usage.Add(rec)
		agg.Cost += pricing.CalculateCost(rec, opts.Prices)
		agg.CallCount++
	}

	results := make([]model.AggregatedUsage, 0, len(grouped))
	for _, agg := range grouped {
		results = append(results, *agg)
	}

	// Newest first, unknown last
	sort.Slice(results, func(i, j int) bool {
		if results[i].Key == UnknownPeriod {
			return false
		}
		if results[j].Key == UnknownPeriod {
			return true
		}
		return results[i].Key > results[j].Key
	})

	return results
}

// CalculateTotal returns the total aggregated usage
func CalculateTotal(results []model.AggregatedUsage) model.AggregatedUsage {
	total := model.AggregatedUsage{Key: "Total"}
	for _, r := range results {
		total.Usage = total.Usage.Add(r.Usage)
		total.Cost += r.Cost
		total.CallCount += r.CallCount
	}
	return total
}
