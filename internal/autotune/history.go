package autotune

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fractal-lba/releasegate/internal/api"
)

// History is the append-only JSONL log of A/B observations. One process
// writes at a time; concurrent writers across processes are not coordinated.
type History struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenHistory opens (or creates) the history file for appending.
func OpenHistory(path string) (*History, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	return &History{file: file, path: path}, nil
}

// Path returns the history file location.
func (h *History) Path() string { return h.path }

// Append writes one entry and fsyncs it.
func (h *History) Append(entry api.ABReportEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write history entry: %w", err)
	}
	if err := h.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync history: %w", err)
	}
	return nil
}

// Close syncs and closes the file.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.file.Sync(); err != nil {
		return err
	}
	return h.file.Close()
}

// ReadHistory loads every entry. A missing file is an empty history. Blank
// lines are skipped; a malformed line is an error naming its line number.
func ReadHistory(path string) ([]api.ABReportEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	var entries []api.ABReportEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e api.ABReportEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%s:%d: invalid history entry: %w", path, lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return entries, nil
}
