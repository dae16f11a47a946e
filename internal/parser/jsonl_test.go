package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhaobenny/callcost/internal/model"
)

const sampleLog = `{"call_id":"c1","room":"lobby","timestamp":"2025-01-01T10:00:00Z","usage":{"duration_seconds":60,"input_tokens":100},"summary":"# Booking\n- Deluxe room"}

{"call_id":"c2","timestamp":"2025-01-01T11:00:00Z","usage":"{\"duration_seconds\": 30}"}
this is not json
{"room":"no id","usage":null}
{"call_id":"c3","timestamp":"2025-01-01T12:00:00Z","usage":null}
`

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calls.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sampleLog), 0o644))

	calls, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, calls, 3)

	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "lobby", calls[0].Room)
	assert.Equal(t, model.UsageStructured, calls[0].Usage.Kind)
	assert.Contains(t, calls[0].Summary, "Deluxe room")

	assert.Equal(t, model.UsageRaw, calls[1].Usage.Kind)
	rec, ok := calls[1].Usage.Normalize()
	assert.True(t, ok)
	assert.Equal(t, 30.0, rec.DurationSeconds)

	assert.Equal(t, model.UsageAbsent, calls[2].Usage.Kind)
}

func TestParseFileSkipsOversizedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.jsonl")
	huge := `{"call_id":"huge","summary":"` + strings.Repeat("x", maxLineSize+1) + `"}`
	content := `{"call_id":"before","usage":{"duration_seconds":60}}` + "\n" +
		huge + "\n" +
		`{"call_id":"after","usage":{"duration_seconds":30}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	calls, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "before", calls[0].ID)
	assert.Equal(t, "after", calls[1].ID)

	all, err := ParseAllFiles(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestParseFileLongSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.jsonl")
	summary := strings.Repeat("y", 200*1024)
	require.NoError(t, os.WriteFile(path, []byte(`{"call_id":"long","summary":"`+summary+`"}`+"\n"), 0o644))

	calls, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, summary, calls[0].Summary)
}

func TestParseAllFiles(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "2025", "01")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"), []byte(`{"call_id":"a"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "b.jsonl"), []byte(`{"call_id":"b"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`{"call_id":"ignored"}`), 0o644))

	calls, err := ParseAllFiles(dir)
	require.NoError(t, err)

	var ids []string
	for _, c := range calls {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestParseAllFilesMissingDir(t *testing.T) {
	calls, err := ParseAllFiles(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, calls)
}
