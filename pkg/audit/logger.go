package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/pkg/tool"
)

var (
	// ErrBufferFull is returned when a best-effort entry is dropped
	ErrBufferFull = errors.New("audit buffer full")

	// ErrLoggerClosed is returned after Close
	ErrLoggerClosed = errors.New("audit logger closed")
)

// Config configures the audit logger.
type Config struct {
	Sink           string        `json:"sink" mapstructure:"sink"`
	Path           string        `json:"path" mapstructure:"path"`
	BufferSize     int           `json:"buffer_size" mapstructure:"buffer_size"`
	WriteTimeout   time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	DurableClasses []string      `json:"durable_classes" mapstructure:"durable_classes"`
}

// DefaultConfig returns the default audit configuration. No class is durable
// unless configured.
func DefaultConfig() Config {
	return Config{
		Sink:         "file",
		BufferSize:   1024,
		WriteTimeout: 5 * time.Second,
	}
}

// Observer receives write results ("written", "dropped", "failed").
type Observer interface {
	ObserveAudit(result string)
}

// Stats counts write results.
type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

type request struct {
	entry Entry
	flush chan struct{}
}

// Logger appends entries to a sink. Best-effort entries go through a
// buffered queue drained by one writer goroutine; entries of durable classes
// are written and synced before Record returns.
type Logger struct {
	sink     Sink
	durable  map[tool.RiskClass]bool
	timeout  time.Duration
	observer Observer

	queue chan request
	wg    sync.WaitGroup

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64

	closed    bool
	mu        sync.RWMutex
	closeOnce sync.Once
}

// Option configures a Logger.
type Option func(*Logger)

// WithObserver reports write results to o.
func WithObserver(o Observer) Option {
	return func(l *Logger) {
		l.observer = o
	}
}

// NewLogger starts a logger writing to sink.
func NewLogger(sink Sink, cfg Config, opts ...Option) *Logger {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultConfig().BufferSize
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().WriteTimeout
	}

	l := &Logger{
		sink:    sink,
		durable: make(map[tool.RiskClass]bool),
		timeout: timeout,
		queue:   make(chan request, size),
	}
	for _, c := range cfg.DurableClasses {
		l.durable[tool.RiskClass(c)] = true
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.writeLoop()

	return l
}

// Durable reports whether entries of class are written synchronously.
func (l *Logger) Durable(class tool.RiskClass) bool {
	return l.durable[class]
}

// Record appends e. For durable classes the entry is on stable storage when
// Record returns nil. Otherwise the entry is queued and the only possible
// error is ErrBufferFull or ErrLoggerClosed.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID, _ = gonanoid.New()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLoggerClosed
	}

	if l.durable[e.Class] {
		return l.writeDurable(ctx, e)
	}

	select {
	case l.queue <- request{entry: e}:
		return nil
	default:
		l.dropped.Add(1)
		l.observe("dropped")
		log.Error().
			Str("call_id", e.CallID).
			Str("tool", e.Tool).
			Msg("Audit buffer full, entry dropped")
		return ErrBufferFull
	}
}

func (l *Logger) writeDurable(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.sink.Write(ctx, e); err != nil {
		l.fail(e, err)
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	if err := l.sink.Sync(); err != nil {
		l.fail(e, err)
		return fmt.Errorf("failed to sync audit sink: %w", err)
	}
	l.written.Add(1)
	l.observe("written")
	return nil
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()

	for req := range l.queue {
		if req.flush != nil {
			if err := l.sink.Sync(); err != nil {
				log.Error().Err(err).Msg("Failed to sync audit sink")
			}
			close(req.flush)
			continue
		}
		l.write(req.entry)
	}
}

func (l *Logger) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	if err := l.sink.Write(ctx, e); err != nil {
		l.fail(e, err)
		return
	}
	l.written.Add(1)
	l.observe("written")
}

func (l *Logger) fail(e Entry, err error) {
	l.failed.Add(1)
	l.observe("failed")
	log.Error().
		Err(err).
		Str("call_id", e.CallID).
		Str("tool", e.Tool).
		Msg("Failed to write audit entry")
}

func (l *Logger) observe(result string) {
	if l.observer != nil {
		l.observer.ObserveAudit(result)
	}
}

// Flush waits until every entry queued before the call has been written.
func (l *Logger) Flush(ctx context.Context) error {
	done := make(chan struct{})

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrLoggerClosed
	}
	select {
	case l.queue <- request{flush: done}:
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	l.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns write counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Written: l.written.Load(),
		Dropped: l.dropped.Load(),
		Failed:  l.failed.Load(),
	}
}

// Close drains the queue and closes the sink.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()

		l.wg.Wait()

		if syncErr := l.sink.Sync(); syncErr != nil {
			log.Warn().Err(syncErr).Msg("Failed to sync audit sink on close")
		}
		err = l.sink.Close()

		s := l.Stats()
		log.Info().
			Int64("written", s.Written).
			Int64("dropped", s.Dropped).
			Int64("failed", s.Failed).
			Msg("Audit logger closed")
	})
	return err
}
