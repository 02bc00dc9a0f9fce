// Package logger configures the global zerolog logger for toolgate.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level     string `json:"level" mapstructure:"level"`         // debug, info, warn, error
	File      string `json:"file" mapstructure:"file"`           // log file path
	Console   bool   `json:"console" mapstructure:"console"`     // console output on stderr
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`       // human format for console
	Redaction bool   `json:"redaction" mapstructure:"redaction"` // redact secrets before writing
	MaxSize   int    `json:"max_size" mapstructure:"max_size"`   // MB before rotation, 0 disables rotation
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`     // days to keep rotated files
	Compress  bool   `json:"compress" mapstructure:"compress"`   // gzip rotated files
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}

// Logger owns the configured zerolog logger and its log file.
type Logger struct {
	zl    zerolog.Logger
	level zerolog.Level
	file  io.Closer
}

// New builds a logger from cfg and installs it as the global log.Logger.
// Console output goes to stderr: stdout belongs to command output and to
// the MCP stdio transport.
func New(cfg Config) (*Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}

	var sinks []io.Writer
	if cfg.Console {
		if cfg.Pretty {
			sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		} else {
			sinks = append(sinks, os.Stderr)
		}
	}

	l := &Logger{level: level}
	if cfg.File != "" {
		fw, err := openLogFile(cfg)
		if err != nil {
			return nil, err
		}
		l.file = fw
		sinks = append(sinks, fw)
	}

	out := combine(sinks)
	if cfg.Redaction {
		out = NewRedactor().Wrap(out)
	}

	l.zl = zerolog.New(out).Level(level).With().Timestamp().Logger()

	log.Logger = l.zl
	zerolog.SetGlobalLevel(level)
	return l, nil
}

func combine(sinks []io.Writer) io.Writer {
	switch len(sinks) {
	case 0:
		return io.Discard
	case 1:
		return sinks[0]
	}
	return zerolog.MultiLevelWriter(sinks...)
}

func openLogFile(cfg Config) (io.WriteCloser, error) {
	if cfg.MaxSize > 0 {
		return NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Level is the effective minimum level.
func (l *Logger) Level() zerolog.Level {
	return l.level
}

// Component returns a child logger tagged with component=name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zl.With().Str("component", name).Logger()
}

func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// With starts a child logger context.
func (l *Logger) With() zerolog.Context {
	return l.zl.With()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.zl
}
