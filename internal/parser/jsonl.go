package parser

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zhaobenny/callcost/internal/model"
)

// rawEntry is one line of the agent's call log
type rawEntry struct {
	CallID    string      `json:"call_id"`
	Room      string      `json:"room"`
	Timestamp string      `json:"timestamp"`
	Usage     model.Usage `json:"usage"`
	Summary   string      `json:"summary"`
}

// FindCallLogs finds all JSONL files below dir
func FindCallLogs(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && filepath.Ext(path) == ".jsonl" {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}

// maxLineSize bounds one call log line; summaries can make lines long
const maxLineSize = 4 * 1024 * 1024

// ParseFile parses a single call log and returns the calls in it. Lines
// longer than maxLineSize are skipped like malformed ones. On a read error
// the calls parsed so far are returned with the error.
func ParseFile(path string) ([]model.CallSummary, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var calls []model.CallSummary
	reader := bufio.NewReaderSize(file, 64*1024)

	var line []byte
	tooLong := false
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return calls, err
		}

		if !tooLong {
			line = append(line, chunk...)
			if len(line) > maxLineSize {
				tooLong = true
				line = line[:0]
			}
		}
		if isPrefix {
			continue
		}

		if tooLong {
			slog.Warn("skipping oversized call log line", "path", path, "limit", maxLineSize)
			tooLong = false
			continue
		}
		if call, ok := parseLine(line); ok {
			calls = append(calls, call)
		}
		line = line[:0]
	}

	return calls, nil
}

func parseLine(line []byte) (model.CallSummary, bool) {
	if len(line) == 0 {
		return model.CallSummary{}, false
	}

	var raw rawEntry
	if err := json.Unmarshal(line, &raw); err != nil {
		return model.CallSummary{}, false
	}
	if raw.CallID == "" {
		return model.CallSummary{}, false
	}

	return model.CallSummary{
		ID:        raw.CallID,
		Timestamp: raw.Timestamp,
		Room:      raw.Room,
		Usage:     raw.Usage,
		Summary:   raw.Summary,
	}, true
}

// ParseAllFiles parses every call log below dir
func ParseAllFiles(dir string) ([]model.CallSummary, error) {
	files, err := FindCallLogs(dir)
	if err != nil {
		return nil, err
	}

	var all []model.CallSummary
	for _, file := range files {
		calls, err := ParseFile(file)
		if err != nil {
			slog.Warn("call log only partly read", "path", file, "parsed", len(calls), "error", err)
		}
		all = append(all, calls...)
	}

	return all, nil
}
