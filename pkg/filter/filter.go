// Package filter redacts secrets from tool output and truncates it to a
// maximum size before it is handed back to the caller.
package filter

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/harun/toolgate/pkg/tool"
)

// DefaultReplacement replaces every redacted match.
const DefaultReplacement = "[REDACTED]"

// Config configures the output filter.
type Config struct {
	MaxBytes        int      `json:"max_bytes" mapstructure:"max_bytes"`
	Patterns        []string `json:"patterns" mapstructure:"patterns"`
	DisableDefaults bool     `json:"disable_defaults" mapstructure:"disable_defaults"`
	Replacement     string   `json:"replacement" mapstructure:"replacement"`
}

// DefaultConfig returns the default filter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBytes:    64 * 1024,
		Replacement: DefaultReplacement,
	}
}

// DefaultPatterns returns the built-in secret and PII patterns.
func DefaultPatterns() []string {
	return []string{
		// API keys
		`sk-ant-[a-zA-Z0-9_-]{20,}`,
		`sk-[a-zA-Z0-9_-]{20,}`,

		// Bearer tokens
		`Bearer\s+[a-zA-Z0-9._~+/=-]+`,

		// AWS access key ids
		`AKIA[0-9A-Z]{16}`,

		// Private key blocks
		`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,

		// Assignments
		`(?i)(password|passwd|pwd)["'\s:=]+[^\s"']+`,
		`(?i)secret["'\s:=]+[^\s"']+`,
		`(?i)token["'\s:=]+[a-zA-Z0-9._-]{20,}`,

		// Emails
		`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`,
	}
}

// Filter applies redaction and truncation. It is safe for concurrent use.
type Filter struct {
	patterns    []*regexp.Regexp
	maxBytes    int
	replacement string
}

// New compiles the configured patterns.
func New(cfg Config) (*Filter, error) {
	sources := cfg.Patterns
	if !cfg.DisableDefaults {
		sources = append(DefaultPatterns(), cfg.Patterns...)
	}

	patterns := make([]*regexp.Regexp, 0, len(sources))
	for _, p := range sources {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	replacement := cfg.Replacement
	if replacement == "" {
		replacement = DefaultReplacement
	}

	return &Filter{
		patterns:    patterns,
		maxBytes:    cfg.MaxBytes,
		replacement: replacement,
	}, nil
}

// Redact masks every pattern match and reports how many were replaced.
func (f *Filter) Redact(s string) (string, int) {
	count := 0
	for _, re := range f.patterns {
		s = re.ReplaceAllStringFunc(s, func(string) string {
			count++
			return f.replacement
		})
	}
	return s, count
}

// Truncate cuts s to at most maxBytes of content, backing off to a rune
// boundary, and appends a marker naming the kept and original sizes.
func (f *Filter) Truncate(s string) (string, bool) {
	if f.maxBytes <= 0 || len(s) <= f.maxBytes {
		return s, false
	}
	cut := f.maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + Marker(cut, len(s)), true
}

// Marker is the text appended to truncated output.
func Marker(kept, total int) string {
	return fmt.Sprintf("\n...[output truncated: %d of %d bytes]", kept, total)
}

// Apply returns a filtered copy of out. Content and error text are redacted;
// only content is truncated.
func (f *Filter) Apply(out tool.Output) tool.Output {
	out.BytesBefore = out.Size()

	content, n := f.Redact(out.Content)
	errText, m := f.Redact(out.Error)
	out.Redactions += n + m

	content, truncated := f.Truncate(content)
	out.Content = content
	out.Error = errText
	out.Truncated = out.Truncated || truncated
	out.BytesAfter = out.Size()
	return out
}
