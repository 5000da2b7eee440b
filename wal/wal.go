// Package wal is an append-only journal of scan lifecycle events. Each line
// is one JSON entry; files are named warden-<timestamp>.wal.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FilePrefix names journal files.
const FilePrefix = "warden"

const maxEntrySize = 1 << 20

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryScanStarted    EntryType = "scan_started"
	EntryBatchCommitted EntryType = "batch_committed"
	EntryScanCompleted  EntryType = "scan_completed"
	EntryScanFailed     EntryType = "scan_failed"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	TenantID  string          `json:"tenant_id,omitempty"`
	ScanID    string          `json:"scan_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
}

// WAL appends entries durably to the current journal file.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	now      func() time.Time
}

// Open creates a new journal file in dir. Sequence numbers continue from
// the highest sequence found in existing files.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	last, err := lastSequence(dir)
	if err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("%s-%s.wal", FilePrefix, time.Now().UTC().Format("20060102-150405.000000000"))
	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		sequence: last,
		dir:      dir,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close flushes and closes the journal
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Sequence returns the last written sequence number.
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Append adds an entry for a scan.
func (w *WAL) Append(entryType EntryType, tenantID, scanID string, data any) error {
	return w.append(entryType, tenantID, scanID, data, nil)
}

// AppendError adds an entry carrying the error that caused it.
func (w *WAL) AppendError(entryType EntryType, tenantID, scanID string, data any, cause error) error {
	return w.append(entryType, tenantID, scanID, data, cause)
}

func (w *WAL) append(entryType EntryType, tenantID, scanID string, data any, cause error) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sequence++
	entry := Entry{
		Timestamp: w.now(),
		Sequence:  w.sequence,
		Type:      entryType,
		TenantID:  tenantID,
		ScanID:    scanID,
		Data:      jsonData,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return w.writeEntry(entry)
}

// writeEntry writes a single entry and syncs it to disk
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

// Reader reads entries from one journal file
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens a journal file for reading
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntrySize)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next reads the next entry, returning io.EOF at the end of the file.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry written after since, oldest file first.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	for _, file := range journalFiles(dir) {
		err := replayFile(file, func(e *Entry) error {
			if e.Timestamp.After(since) {
				return handler(e)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}

// lastSequence scans existing journal files for the highest sequence.
func lastSequence(dir string) (int64, error) {
	var last int64
	for _, file := range journalFiles(dir) {
		err := replayFile(file, func(e *Entry) error {
			if e.Sequence > last {
				last = e.Sequence
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to load journal sequence: %w", err)
		}
	}
	return last, nil
}

// journalFiles lists journal files sorted by name, which is creation order.
func journalFiles(dir string) []string {
	files, err := filepath.Glob(filepath.Join(dir, FilePrefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}
