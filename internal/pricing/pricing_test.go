package pricing

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhaobenny/callcost/internal/model"
)

const epsilon = 1e-12

func sampleRecord() model.UsageRecord {
	return model.UsageRecord{DurationSeconds: 120, InputTokens: 1000, OutputTokens: 500, TTSCharacters: 2000}
}

func TestBreakdownConcreteScenario(t *testing.T) {
	b := Breakdown(sampleRecord(), Default())

	assert.InDelta(t, 0.0210, b.Connection, epsilon)
	assert.InDelta(t, 0.0086, b.STT, epsilon)
	assert.InDelta(t, 0.00015, b.Input, epsilon)
	assert.InDelta(t, 0.00030, b.Output, epsilon)
	assert.InDelta(t, 0.08, b.TTS, epsilon)
	assert.InDelta(t, 0.11005, b.Total(), epsilon)
}

func TestEstimateCostDegradesToZero(t *testing.T) {
	prices := Default()

	assert.Equal(t, 0.0, EstimateCost(model.AbsentUsage(), prices))
	assert.Equal(t, 0.0, EstimateCost(model.Usage{}, prices))
	assert.Equal(t, 0.0, EstimateCost(model.RawUsage("{invalid json"), prices))
	assert.Equal(t, 0.0, EstimateCost(model.RawUsage(""), prices))
	assert.Equal(t, 0.0, EstimateCost(model.RawUsage("null"), prices))
}

func TestEstimateCostStringAndStructuredAgree(t *testing.T) {
	rec := sampleRecord()
	encoded, err := json.Marshal(rec)
	require.NoError(t, err)

	structured := EstimateCost(model.StructuredUsage(rec), Default())
	raw := EstimateCost(model.RawUsage(string(encoded)), Default())
	assert.Equal(t, structured, raw)
}

func TestEstimateCostMonotonic(t *testing.T) {
	prices := Default()
	base := sampleRecord()
	baseCost := CalculateCost(base, prices)

	bumps := []func(r model.UsageRecord) model.UsageRecord{
		func(r model.UsageRecord) model.UsageRecord { r.DurationSeconds += 1; return r },
		func(r model.UsageRecord) model.UsageRecord { r.InputTokens += 1; return r },
		func(r model.UsageRecord) model.UsageRecord { r.OutputTokens += 1; return r },
		func(r model.UsageRecord) model.UsageRecord { r.TTSCharacters += 1; return r },
	}
	for i, bump := range bumps {
		cost := EstimateCost(model.StructuredUsage(bump(base)), prices)
		assert.GreaterOrEqual(t, cost, baseCost, "field %d", i)
		assert.False(t, math.IsNaN(cost) || math.IsInf(cost, 0))
	}

	// Counts too large for int64 drop out instead of wrapping negative
	durationOnly := EstimateCost(model.StructuredUsage(model.UsageRecord{DurationSeconds: 60}), prices)
	for _, input := range []string{
		`{"duration_seconds":60,"input_tokens":1e20}`,
		`{"duration_seconds":60,"tts_characters":1e19}`,
		`"{\"duration_seconds\":60,\"output_tokens\":1e300}"`,
	} {
		var u model.Usage
		require.NoError(t, json.Unmarshal([]byte(input), &u))
		cost := EstimateCost(u, prices)
		assert.InDelta(t, durationOnly, cost, epsilon, input)
		assert.GreaterOrEqual(t, cost, 0.0, input)
	}
}

func TestEstimateCostCustomPrices(t *testing.T) {
	prices := model.PriceTable{ParticipantPerMinute: 1}
	cost := EstimateCost(model.StructuredUsage(model.UsageRecord{DurationSeconds: 180}), prices)
	assert.InDelta(t, 3.0, cost, epsilon)
}

func TestExtractUsageField(t *testing.T) {
	raw := model.RawUsage(`{"duration_seconds": 42.5, "output_tokens": 7}`)

	assert.Equal(t, 42.5, ExtractUsageField(raw, model.FieldDurationSeconds))
	assert.Equal(t, 7.0, ExtractUsageField(raw, model.FieldOutputTokens))
	assert.Equal(t, 0.0, ExtractUsageField(raw, model.FieldInputTokens))
	assert.Equal(t, 0.0, ExtractUsageField(model.RawUsage("{"), model.FieldDurationSeconds))
	assert.Equal(t, 0.0, ExtractUsageField(model.AbsentUsage(), model.FieldDurationSeconds))
}

func TestLoadPrices(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		prices, err := LoadPrices(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), prices)
	})

	t.Run("file overrides only listed prices", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prices.yaml")
		require.NoError(t, os.WriteFile(path, []byte("tts_char_per_million: 15\nstt_per_minute: 0.005\n"), 0o644))

		prices, err := LoadPrices(path)
		require.NoError(t, err)
		assert.Equal(t, 15.0, prices.TTSCharPerMillion)
		assert.Equal(t, 0.005, prices.STTPerMinute)
		assert.Equal(t, Default().ParticipantPerMinute, prices.ParticipantPerMinute)
	})

	t.Run("negative price is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prices.yaml")
		require.NoError(t, os.WriteFile(path, []byte("input_token_per_million: -1\n"), 0o644))

		_, err := LoadPrices(path)
		assert.ErrorContains(t, err, "input_token_per_million")
	})
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Default()))
	assert.Error(t, Validate(model.PriceTable{STTPerMinute: math.NaN()}))
	assert.Error(t, Validate(model.PriceTable{TTSCharPerMillion: math.Inf(1)}))
}
