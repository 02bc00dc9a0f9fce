// Package validator gates every process spawn and file access. Validation is
// a pure function of its configuration and input: no I/O, no mutable state.
package validator

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/toolgate/pkg/tool"
)

// Config holds the static rules applied before anything is spawned.
type Config struct {
	// AllowedCommands are program names (or exact absolute paths) that may be spawned
	AllowedCommands []string `json:"allowed_commands" mapstructure:"allowed_commands"`

	// BlockedEnv are glob patterns matched case-insensitively against env keys
	BlockedEnv []string `json:"blocked_env" mapstructure:"blocked_env"`

	// Roots confine path-like arguments, working directories and file tools
	Roots []string `json:"roots" mapstructure:"roots"`
}

// DefaultBlockedEnv lists loader and interpreter injection variables.
func DefaultBlockedEnv() []string {
	return []string{
		"LD_*",
		"DYLD_*",
		"PYTHONSTARTUP",
		"PYTHONPATH",
		"PYTHONINSPECT",
		"NODE_OPTIONS",
		"NODE_PATH",
		"PERL5OPT",
		"PERL5LIB",
		"RUBYOPT",
		"RUBYLIB",
		"BASH_ENV",
		"ENV",
		"JAVA_TOOL_OPTIONS",
		"_JAVA_OPTIONS",
		"GCONV_PATH",
		"IFS",
	}
}

// DefaultConfig returns a config with the default env blocklist and no
// allowed commands.
func DefaultConfig() Config {
	return Config{
		AllowedCommands: []string{},
		BlockedEnv:      DefaultBlockedEnv(),
		Roots:           []string{},
	}
}

// Request is a candidate spawn.
type Request struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Verdict is the outcome of a validation.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Allow is the accepting verdict.
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// Reject builds a rejecting verdict.
func Reject(format string, args ...interface{}) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Err converts a rejecting verdict into a validation error.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", tool.ErrValidation, v.Reason)
}

// Validator applies a Config.
type Validator struct {
	names      map[string]struct{}
	paths      map[string]struct{}
	blockedEnv []string
	roots      []string
}

// New creates a validator. Patterns are normalized once here so Validate
// stays allocation-light.
func New(cfg Config) *Validator {
	v := &Validator{
		names: make(map[string]struct{}, len(cfg.AllowedCommands)),
		paths: make(map[string]struct{}),
	}
	for _, c := range cfg.AllowedCommands {
		c = strings.TrimSpace(c)
		switch {
		case c == "":
		case !hasSeparator(c):
			v.names[c] = struct{}{}
		case filepath.IsAbs(c):
			v.paths[filepath.Clean(c)] = struct{}{}
		}
		// Relative entries can never match: relative commands are rejected.
	}
	for _, p := range cfg.BlockedEnv {
		p = strings.TrimSpace(p)
		if p != "" {
			v.blockedEnv = append(v.blockedEnv, strings.ToUpper(p))
		}
	}
	for _, r := range cfg.Roots {
		r = strings.TrimSpace(r)
		if r != "" {
			v.roots = append(v.roots, filepath.Clean(r))
		}
	}
	return v
}

// Roots returns the configured roots. The first root is the base for
// relative paths.
func (v *Validator) Roots() []string {
	out := make([]string, len(v.roots))
	copy(out, v.roots)
	return out
}

// Validate checks a spawn request.
func (v *Validator) Validate(req Request) Verdict {
	if verdict := v.checkCommand(req.Command); !verdict.Allowed {
		return verdict
	}
	if verdict := v.checkEnv(req.Env); !verdict.Allowed {
		return verdict
	}
	if req.Dir != "" {
		if _, err := v.resolve(req.Dir); err != nil {
			return Reject("working directory %q: %s", req.Dir, err)
		}
	}
	for i, arg := range req.Args {
		if strings.ContainsRune(arg, 0) {
			return Reject("argument %d contains a NUL byte", i)
		}
		candidate := arg
		if strings.HasPrefix(arg, "-") {
			idx := strings.IndexByte(arg, '=')
			if idx < 0 {
				continue
			}
			candidate = arg[idx+1:]
		}
		if !isPathLike(candidate) {
			continue
		}
		if _, err := v.resolve(candidate); err != nil {
			return Reject("argument %d %q: %s", i, arg, err)
		}
	}
	return Allow()
}

// Check is Validate returning an error.
func (v *Validator) Check(req Request) error {
	return v.Validate(req).Err()
}

// ValidatePath resolves p against the roots and returns the cleaned path, or
// a validation error if it escapes them.
func (v *Validator) ValidatePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", tool.ErrValidation)
	}
	resolved, err := v.resolve(p)
	if err != nil {
		return "", fmt.Errorf("%w: path %q: %s", tool.ErrValidation, p, err)
	}
	return resolved, nil
}

// CommandAllowed reports whether command passes the allowlist alone.
func (v *Validator) CommandAllowed(command string) bool {
	return v.checkCommand(command).Allowed
}

func (v *Validator) checkCommand(command string) Verdict {
	command = strings.TrimSpace(command)
	if command == "" {
		return Reject("empty command")
	}
	if strings.ContainsRune(command, 0) {
		return Reject("command contains a NUL byte")
	}

	if !hasSeparator(command) {
		if _, ok := v.names[command]; ok {
			return Allow()
		}
		return Reject("command %q is not allowlisted", command)
	}

	// Relative paths are rejected before any lookup so that ./node or
	// x/../node cannot borrow the allowlisted name.
	if !filepath.IsAbs(command) {
		return Reject("command %q is a relative path", command)
	}
	clean := filepath.Clean(command)
	if _, ok := v.paths[clean]; ok {
		return Allow()
	}
	if _, ok := v.names[filepath.Base(clean)]; ok {
		return Allow()
	}
	return Reject("command %q is not allowlisted", filepath.Base(clean))
}

func hasSeparator(s string) bool {
	return strings.ContainsRune(s, '/') || strings.ContainsRune(s, filepath.Separator)
}

func (v *Validator) checkEnv(env map[string]string) Verdict {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return Reject("invalid environment key %q", key)
		}
		upper := strings.ToUpper(key)
		for _, pattern := range v.blockedEnv {
			if matched, _ := path.Match(pattern, upper); matched {
				return Reject("environment variable %s is blocked", key)
			}
		}
	}
	return Allow()
}

func (v *Validator) resolve(p string) (string, error) {
	if len(v.roots) == 0 {
		if hasTraversal(p) {
			return "", fmt.Errorf("path traversal")
		}
		return filepath.Clean(p), nil
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(v.roots[0], candidate)
	}
	candidate = filepath.Clean(candidate)

	for _, root := range v.roots {
		if within(root, candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("escapes allowed roots")
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func hasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func isPathLike(s string) bool {
	return strings.HasPrefix(s, ".") || strings.HasPrefix(s, "~") ||
		strings.ContainsRune(s, '/') || strings.ContainsRune(s, '\\')
}
