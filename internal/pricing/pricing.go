package pricing

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/zhaobenny/callcost/internal/model"
)

// Default returns the built-in price table
func Default() model.PriceTable {
	return model.PriceTable{
		ParticipantPerMinute:  0.0105, // agent + participant connection minutes
		STTPerMinute:          0.0043, // streaming speech-to-text
		InputTokenPerMillion:  0.15,
		OutputTokenPerMillion: 0.60,
		TTSCharPerMillion:     40.00,
	}
}

// Validate rejects negative or non-finite prices
func Validate(p model.PriceTable) error {
	prices := map[string]float64{
		"participant_per_minute":   p.ParticipantPerMinute,
		"stt_per_minute":           p.STTPerMinute,
		"input_token_per_million":  p.InputTokenPerMillion,
		"output_token_per_million": p.OutputTokenPerMillion,
		"tts_char_per_million":     p.TTSCharPerMillion,
	}
	var errs []error
	for name, v := range prices {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid price %v", name, v))
		}
	}
	return errors.Join(errs...)
}

// LoadPrices reads a YAML price file layered over the defaults.
// A missing file yields the defaults.
func LoadPrices(path string) (model.PriceTable, error) {
	prices := Default()
	if path == "" {
		return prices, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return prices, nil
	}

	// Keys missing from the file keep their default value.
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return prices, fmt.Errorf("failed to read prices %s: %w", path, err)
	}
	if err := k.Unmarshal("", &prices); err != nil {
		return prices, fmt.Errorf("failed to decode prices %s: %w", path, err)
	}
	if err := Validate(prices); err != nil {
		return prices, fmt.Errorf("invalid prices in %s: %w", path, err)
	}
	return prices, nil
}

// Breakdown prices each category of a usage record
func Breakdown(usage model.UsageRecord, prices model.PriceTable) model.CostBreakdown {
	minutes := usage.DurationSeconds / 60
	return model.CostBreakdown{
		Connection: minutes * prices.ParticipantPerMinute,
		STT:        minutes * prices.STTPerMinute,
		Input:      float64(usage.InputTokens) / 1_000_000 * prices.InputTokenPerMillion,
		Output:     float64(usage.OutputTokens) / 1_000_000 * prices.OutputTokenPerMillion,
		TTS:        float64(usage.TTSCharacters) / 1_000_000 * prices.TTSCharPerMillion,
	}
}

// CalculateCost calculates the cost for a usage record
func CalculateCost(usage model.UsageRecord, prices model.PriceTable) float64 {
	return Breakdown(usage, prices).Total()
}

// EstimateCost prices a call's usage in whatever shape it arrived.
// Missing or unparseable usage costs 0.
func EstimateCost(usage model.Usage, prices model.PriceTable) float64 {
	rec, _ := usage.Normalize()
	return CalculateCost(rec, prices)
}

// ExtractUsageField returns one quantity of a call's usage, 0 when the usage
// is missing or unparseable.
func ExtractUsageField(usage model.Usage, field model.UsageField) float64 {
	rec, _ := usage.Normalize()
	return rec.Value(field)
}
