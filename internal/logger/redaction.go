package logger

import (
	"io"
	"sync"

	"github.com/harun/toolgate/pkg/filter"
)

// Redactor masks secrets in log lines with the output filter's patterns, so
// a credential redacted from a tool result never reaches a log file either.
type Redactor struct {
	mu    sync.RWMutex
	extra []string
	f     *filter.Filter
}

// NewRedactor creates a redactor with the output filter's default patterns.
func NewRedactor() *Redactor {
	f, err := filter.New(filter.Config{Replacement: filter.DefaultReplacement})
	if err != nil {
		// The default patterns are compile-checked by the filter tests.
		panic(err)
	}
	return &Redactor{f: f}
}

// AddPattern adds a regular expression to mask.
func (r *Redactor) AddPattern(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	patterns := append(append([]string{}, r.extra...), pattern)
	f, err := filter.New(filter.Config{Patterns: patterns, Replacement: filter.DefaultReplacement})
	if err != nil {
		return err
	}
	r.extra = patterns
	r.f = f
	return nil
}

// Redact returns s with every match masked.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	f := r.f
	r.mu.RUnlock()

	out, _ := f.Redact(s)
	return out
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{next: w, r: r}
}

type redactingWriter struct {
	next io.Writer
	r    *Redactor
}

// Write reports len(p) on success; the redacted line may be shorter.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.next, w.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
