package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink is an append-only store for entries. Implementations must be safe for
// concurrent use and write each entry atomically.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Sync() error
	Close() error
}

// FileSink appends entries as JSON lines.
type FileSink struct {
	logger zerolog.Logger
	file   *os.File
	mu     sync.Mutex
}

// OpenFileSink opens (or creates) path for appending.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileSink{
		logger: zerolog.New(file),
		file:   file,
	}, nil
}

// Write emits one line. zerolog writes each event with a single Write call.
func (s *FileSink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return os.ErrClosed
	}

	ev := s.logger.Log().
		Str("id", e.ID).
		Str("call_id", e.CallID).
		Str("tool", e.Tool).
		Str("origin", e.Origin).
		Str("class", string(e.Class)).
		Str("actor", e.Actor).
		Str("role", e.Role).
		Array("stages", e.Stages).
		Str("outcome", e.Outcome).
		Str("error_kind", string(e.ErrorKind)).
		Str("error", e.Error).
		Str("severity", e.Severity).
		Int("bytes_in", e.BytesIn).
		Int("bytes_out", e.BytesOut).
		Bool("truncated", e.Truncated).
		Str("started_at", e.StartedAt.UTC().Format(time.RFC3339Nano)).
		Str("finished_at", e.FinishedAt.UTC().Format(time.RFC3339Nano))
	ev.Send()
	return nil
}

// Sync flushes the file to stable storage.
func (s *FileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	return s.file.Sync()
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadFile decodes every entry of a JSON lines audit file.
func ReadFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, fmt.Errorf("failed to decode audit line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	entries []Entry
	err     error
	closed  bool
	mu      sync.Mutex
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes subsequent writes fail with err; nil restores writes.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemorySink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink closed")
	}
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Entries returns a copy of the recorded entries.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// ByCall returns the entries recorded for a call id.
func (s *MemorySink) ByCall(callID string) []Entry {
	var out []Entry
	for _, e := range s.Entries() {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}
