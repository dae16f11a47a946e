package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

var errNullUsage = errors.New("usage is null")

// UsageRecord is the resource consumption reported for one completed call
type UsageRecord struct {
	DurationSeconds float64 `json:"duration_seconds"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	TTSCharacters   int64   `json:"tts_characters"`
}

// Add returns the field-wise sum of two records
func (r UsageRecord) Add(o UsageRecord) UsageRecord {
	return UsageRecord{
		DurationSeconds: r.DurationSeconds + o.DurationSeconds,
		InputTokens:     r.InputTokens + o.InputTokens,
		OutputTokens:    r.OutputTokens + o.OutputTokens,
		TTSCharacters:   r.TTSCharacters + o.TTSCharacters,
	}
}

// Negative reports whether any quantity is below zero
func (r UsageRecord) Negative() bool {
	return r.DurationSeconds < 0 || r.InputTokens < 0 || r.OutputTokens < 0 || r.TTSCharacters < 0
}

// UsageField names a single quantity of a UsageRecord
type UsageField string

const (
	FieldDurationSeconds UsageField = "duration_seconds"
	FieldInputTokens     UsageField = "input_tokens"
	FieldOutputTokens    UsageField = "output_tokens"
	FieldTTSCharacters   UsageField = "tts_characters"
)

// Value returns the named quantity, 0 for an unknown field
func (r UsageRecord) Value(f UsageField) float64 {
	switch f {
	case FieldDurationSeconds:
		return r.DurationSeconds
	case FieldInputTokens:
		return float64(r.InputTokens)
	case FieldOutputTokens:
		return float64(r.OutputTokens)
	case FieldTTSCharacters:
		return float64(r.TTSCharacters)
	}
	return 0
}

// UsageKind tags the shape a usage value arrived in
type UsageKind int

const (
	UsageAbsent UsageKind = iota
	UsageRaw
	UsageStructured
)

func (k UsageKind) String() string {
	switch k {
	case UsageRaw:
		return "raw"
	case UsageStructured:
		return "structured"
	}
	return "absent"
}

// Usage holds a call's usage as it was reported: missing, a JSON-encoded
// string, or a structured object. Normalize turns any of them into a record.
type Usage struct {
	Kind   UsageKind
	Raw    string
	Record UsageRecord
}

// AbsentUsage returns a usage with no data
func AbsentUsage() Usage { return Usage{} }

// RawUsage wraps a JSON-encoded usage string
func RawUsage(s string) Usage { return Usage{Kind: UsageRaw, Raw: s} }

// StructuredUsage wraps an already decoded record
func StructuredUsage(r UsageRecord) Usage { return Usage{Kind: UsageStructured, Record: r} }

// Normalize returns the usage as a record. ok is false when the usage is
// absent or cannot be parsed; the record is then all zeros.
func (u Usage) Normalize() (UsageRecord, bool) {
	switch u.Kind {
	case UsageStructured:
		return u.Record, true
	case UsageRaw:
		trimmed := strings.TrimSpace(u.Raw)
		if trimmed == "" || trimmed == "null" {
			return UsageRecord{}, false
		}
		rec, err := decodeRecord([]byte(trimmed))
		if err != nil {
			return UsageRecord{}, false
		}
		return rec, true
	}
	return UsageRecord{}, false
}

// UnmarshalJSON accepts null, a JSON string or an object. It never fails:
// anything it cannot decode is kept as raw text and normalizes to zero.
// Inside an object only the unreadable fields are zeroed.
func (u *Usage) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*u = AbsentUsage()
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			*u = RawUsage(string(trimmed))
			return nil
		}
		*u = RawUsage(s)
	case trimmed[0] == '{':
		rec, err := decodeRecord(trimmed)
		if err != nil {
			*u = RawUsage(string(trimmed))
			return nil
		}
		*u = StructuredUsage(rec)
	default:
		*u = RawUsage(string(trimmed))
	}
	return nil
}

// MarshalJSON writes the usage back in the shape it arrived in
func (u Usage) MarshalJSON() ([]byte, error) {
	switch u.Kind {
	case UsageRaw:
		return json.Marshal(u.Raw)
	case UsageStructured:
		return json.Marshal(u.Record)
	}
	return []byte("null"), nil
}

// decodeRecord reads a usage object field by field. A field that is not a
// number, or a count outside the int64 range, contributes zero while the
// other fields keep their values.
func decodeRecord(data []byte) (UsageRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return UsageRecord{}, err
	}
	if fields == nil {
		return UsageRecord{}, errNullUsage
	}
	return UsageRecord{
		DurationSeconds: numberField(fields, FieldDurationSeconds),
		InputTokens:     countField(fields, FieldInputTokens),
		OutputTokens:    countField(fields, FieldOutputTokens),
		TTSCharacters:   countField(fields, FieldTTSCharacters),
	}, nil
}

// numberField accepts any JSON number or a string holding one. Agent
// backends sometimes encode counts as floats or quoted numbers.
func numberField(fields map[string]json.RawMessage, f UsageField) float64 {
	raw, ok := fields[string(f)]
	if !ok {
		return 0
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0
		}
		if v, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// 2^63, the first float64 past math.MaxInt64
const countLimit = 1 << 63

func countField(fields map[string]json.RawMessage, f UsageField) int64 {
	v := numberField(fields, f)
	if v >= countLimit || v < -countLimit {
		return 0
	}
	return int64(v)
}
