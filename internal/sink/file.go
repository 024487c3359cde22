package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sentinel-dpa/telegram-sentinel/internal/event"
)

// DefaultPath is where the SIEM agent expects the NDJSON log.
const DefaultPath = "/var/log/telegram_iocs.json"

// FileSink appends NDJSON lines to a file. The file is opened in append mode
// for every record so log rotation by the SIEM agent is picked up.
type FileSink struct {
	path string
	mu   sync.Mutex
}

func NewFileSink(path string) *FileSink {
	if path == "" {
		path = DefaultPath
	}
	return &FileSink{path: path}
}

func (f *FileSink) Name() string { return "file" }

// Path returns the destination file.
func (f *FileSink) Path() string { return f.path }

// Ensure creates the destination directory and an empty file when missing.
func (f *FileSink) Ensure() error {
	if dir := filepath.Dir(f.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	return fh.Close()
}

// Append writes ev as a single line with one write call.
func (f *FileSink) Append(ctx context.Context, ev event.DetectionEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	if _, err := fh.Write(line); err != nil {
		_ = fh.Close()
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return fh.Close()
}
