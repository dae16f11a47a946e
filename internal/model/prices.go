package model

// PriceTable holds the unit prices applied to call usage
type PriceTable struct {
	ParticipantPerMinute  float64 `json:"participant_per_minute" yaml:"participant_per_minute" koanf:"participant_per_minute"`
	STTPerMinute          float64 `json:"stt_per_minute" yaml:"stt_per_minute" koanf:"stt_per_minute"`
	InputTokenPerMillion  float64 `json:"input_token_per_million" yaml:"input_token_per_million" koanf:"input_token_per_million"`
	OutputTokenPerMillion float64 `json:"output_token_per_million" yaml:"output_token_per_million" koanf:"output_token_per_million"`
	TTSCharPerMillion     float64 `json:"tts_char_per_million" yaml:"tts_char_per_million" koanf:"tts_char_per_million"`
}
