package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zhaobenny/callcost/internal/model"
)

// AggregatedUsage represents usage rolled up over one period
type AggregatedUsage struct {
	Period          string
	CallCount       int
	DurationSeconds float64
	InputTokens     int64
	OutputTokens    int64
	TTSCharacters   int64
	Cost            float64
}

// usageText is the stored form of a usage: the raw string as received, the
// encoded record, or NULL
func usageText(u model.Usage) any {
	switch u.Kind {
	case model.UsageRaw:
		return u.Raw
	case model.UsageStructured:
		data, err := json.Marshal(u.Record)
		if err != nil {
			return nil
		}
		return string(data)
	}
	return nil
}

func usageFromColumns(kind model.UsageKind, text sql.NullString) model.Usage {
	switch kind {
	case model.UsageRaw:
		return model.RawUsage(text.String)
	case model.UsageStructured:
		if rec, ok := model.RawUsage(text.String).Normalize(); ok {
			return model.StructuredUsage(rec)
		}
		return model.RawUsage(text.String)
	}
	return model.AbsentUsage()
}

const sumColumns = `COUNT(*), COALESCE(SUM(duration_seconds), 0), COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0), COALESCE(SUM(tts_characters), 0), COALESCE(SUM(cost), 0)`

func scanSum(row rowScanner, u *AggregatedUsage) error {
	return row.Scan(&u.CallCount, &u.DurationSeconds, &u.InputTokens, &u.OutputTokens, &u.TTSCharacters, &u.Cost)
}

func (db *DB) querySummaries(userID, periodType, exclude string, limit int) ([]AggregatedUsage, error) {
	rows, err := db.Query(`
		SELECT period_key, call_count, duration_seconds, input_tokens, output_tokens, tts_characters, cost
		FROM usage_summary
		WHERE user_id = ? AND period_type = ? AND period_key != ?
		ORDER BY period_key DESC
		LIMIT ?
	`, userID, periodType, exclude, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AggregatedUsage
	for rows.Next() {
		var u AggregatedUsage
		if err := rows.Scan(&u.Period, &u.CallCount, &u.DurationSeconds, &u.InputTokens, &u.OutputTokens, &u.TTSCharacters, &u.Cost); err != nil {
			return nil, err
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// GetUsageByDay returns daily usage for a user, newest first. Completed days
// come from the rollup table, today from the raw calls.
func (db *DB) GetUsageByDay(userID string, now time.Time) ([]AggregatedUsage, error) {
	today := now.UTC().Format("2006-01-02")

	results, err := db.querySummaries(userID, "day", today, 30)
	if err != nil {
		return nil, err
	}

	todayUsage := AggregatedUsage{Period: today}
	err = scanSum(db.QueryRow(`SELECT `+sumColumns+` FROM calls WHERE user_id = ? AND day = ?`, userID, today), &todayUsage)
	if err != nil {
		return nil, err
	}

	// Only include today if there's data
	if todayUsage.CallCount > 0 {
		results = append([]AggregatedUsage{todayUsage}, results...)
	}

	return results, nil
}

// GetUsageByMonth returns monthly usage for a user, newest first
func (db *DB) GetUsageByMonth(userID string, now time.Time) ([]AggregatedUsage, error) {
	currentMonth := now.UTC().Format("2006-01")

	results, err := db.querySummaries(userID, "month", currentMonth, 12)
	if err != nil {
		return nil, err
	}

	current := AggregatedUsage{Period: currentMonth}
	err = scanSum(db.QueryRow(`SELECT `+sumColumns+` FROM calls WHERE user_id = ? AND substr(day, 1, 7) = ?`, userID, currentMonth), &current)
	if err != nil {
		return nil, err
	}

	if current.CallCount > 0 {
		results = append([]AggregatedUsage{current}, results...)
	}

	return results, nil
}

// UpdateSummaries recomputes only the day and month rollups touched by the
// given calls
func (db *DB) UpdateSummaries(userID string, calls []Call) error {
	if len(calls) == 0 {
		return nil
	}

	affectedDays := make(map[string]bool)
	affectedMonths := make(map[string]bool)
	for _, c := range calls {
		if c.StartedAt == nil {
			continue
		}
		day := dayKey(c.StartedAt)
		affectedDays[day] = true
		affectedMonths[day[:7]] = true
	}
	if len(affectedDays) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO usage_summary
		(user_id, period_type, period_key, call_count, duration_seconds, input_tokens, output_tokens, tts_characters, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, period_type, period_key) DO UPDATE SET
			call_count = excluded.call_count,
			duration_seconds = excluded.duration_seconds,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			tts_characters = excluded.tts_characters,
			cost = excluded.cost
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	upsert := func(periodType, key, where string) error {
		var u AggregatedUsage
		if err := scanSum(tx.QueryRow(`SELECT `+sumColumns+` FROM calls WHERE user_id = ? AND `+where, userID, key), &u); err != nil {
			return err
		}
		_, err := stmt.Exec(userID, periodType, key, u.CallCount, u.DurationSeconds, u.InputTokens, u.OutputTokens, u.TTSCharacters, u.Cost)
		return err
	}

	for day := range affectedDays {
		if err := upsert("day", day, "day = ?"); err != nil {
			return err
		}
	}
	for month := range affectedMonths {
		if err := upsert("month", month, "substr(day, 1, 7) = ?"); err != nil {
			return err
		}
	}

	return tx.Commit()
}
