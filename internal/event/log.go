package event

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// maxLineBytes bounds a single event log line. CODE_CHANGED diffs are
// compact, so anything beyond this is a corrupt record.
const maxLineBytes = 1 << 20

// Recorder appends events to a JSON-lines log file, one record per line.
// Writes are flushed per event so a crashed session loses at most the record
// being written.
//
// All methods are safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

// NewRecorder opens (or creates) the event log at path in append mode,
// creating parent directories as needed.
func NewRecorder(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("event: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("event: open log %q: %w", path, err)
	}
	return &Recorder{f: f, w: bufio.NewWriter(f), path: path}, nil
}

// Path returns the log file path.
func (r *Recorder) Path() string { return r.path }

// Append writes ev as one JSON line and flushes.
func (r *Recorder) Append(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event: marshal record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return fmt.Errorf("event: recorder for %q is closed", r.path)
	}
	if _, err := r.w.Write(data); err != nil {
		return fmt.Errorf("event: write record: %w", err)
	}
	if err := r.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("event: write record: %w", err)
	}
	if err := r.w.Flush(); err != nil {
		return fmt.Errorf("event: flush record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file. Close is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	flushErr := r.w.Flush()
	closeErr := r.f.Close()
	r.f = nil
	if flushErr != nil {
		return fmt.Errorf("event: flush log: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("event: close log: %w", closeErr)
	}
	return nil
}

// ReadLog parses a JSON-lines event log from r. Records with unknown kinds
// are skipped for forward compatibility; malformed lines are logged and
// skipped so a partially written tail does not poison consolidation.
func ReadLog(r io.Reader) ([]Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var events []Event
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Warn("skipping malformed event log line", "line", line, "error", err)
			continue
		}
		if !ev.Kind.IsValid() {
			slog.Debug("skipping unknown event kind", "line", line, "kind", ev.Kind)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("event: read log: %w", err)
	}
	return events, nil
}

// ReadLogFile opens path and parses it with [ReadLog].
func ReadLogFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("event: open log %q: %w", path, err)
	}
	defer f.Close()
	return ReadLog(f)
}
