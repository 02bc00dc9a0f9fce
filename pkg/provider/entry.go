package provider

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/validator"
)

// Entry configures one external tool provider. Entries are never mutated; a
// provider is reconfigured by registering a replacement entry.
type Entry struct {
	ID      string            `json:"id" mapstructure:"id"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" mapstructure:"env"`
	Dir     string            `json:"dir,omitempty" mapstructure:"dir"`
	Timeout time.Duration     `json:"timeout" mapstructure:"timeout"`

	// Class pins the risk class of every tool the provider serves. When
	// empty the class is derived from the tool annotations.
	Class tool.RiskClass `json:"class,omitempty" mapstructure:"class"`
}

// Validate checks the entry's structure. Command safety is the validator's job.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("provider id is required")
	}
	if strings.ContainsAny(e.ID, ". \t/:") {
		return fmt.Errorf("provider id %q must not contain dots, slashes, colons or spaces", e.ID)
	}
	if strings.TrimSpace(e.Command) == "" {
		return fmt.Errorf("provider %s: command is required", e.ID)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must be >= 0", e.ID)
	}
	if e.Class != "" && !tool.IsValidClass(string(e.Class)) {
		return fmt.Errorf("provider %s: invalid class %s", e.ID, e.Class)
	}
	return nil
}

// Origin is the tool origin of the provider.
func (e Entry) Origin() tool.Origin {
	return tool.RemoteOrigin(e.ID)
}

// SpawnRequest is what the validator sees for this entry.
func (e Entry) SpawnRequest() validator.Request {
	return validator.Request{
		Command: e.Command,
		Args:    e.Args,
		Env:     e.Env,
		Dir:     e.Dir,
	}
}

// Launcher produces the transport for a validated entry. It is the only
// place a provider process is created.
type Launcher interface {
	Launch(entry Entry) (mcp.Transport, *exec.Cmd, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(entry Entry) (mcp.Transport, *exec.Cmd, error)

// Launch calls f.
func (f LauncherFunc) Launch(entry Entry) (mcp.Transport, *exec.Cmd, error) {
	return f(entry)
}

// CommandLauncher spawns providers as child processes speaking MCP over stdio.
type CommandLauncher struct {
	// BaseEnv is the minimal environment every provider receives
	BaseEnv map[string]string
}

// NewCommandLauncher creates a launcher with PATH and HOME passed through.
func NewCommandLauncher() *CommandLauncher {
	base := map[string]string{
		"PATH": "/usr/local/bin:/usr/bin:/bin",
	}
	if p := os.Getenv("PATH"); p != "" {
		base["PATH"] = p
	}
	if h := os.Getenv("HOME"); h != "" {
		base["HOME"] = h
	}
	return &CommandLauncher{BaseEnv: base}
}

// Launch builds the command. The process is started by the transport during
// the handshake.
func (l *CommandLauncher) Launch(entry Entry) (mcp.Transport, *exec.Cmd, error) {
	cmd := exec.Command(entry.Command, entry.Args...)
	cmd.Env = l.buildEnvironment(entry.Env)
	if entry.Dir != "" {
		cmd.Dir = entry.Dir
	}
	cmd.Stderr = log.With().Str("provider", entry.ID).Str("stream", "stderr").Logger()

	return &mcp.CommandTransport{Command: cmd}, cmd, nil
}

func (l *CommandLauncher) buildEnvironment(overrides map[string]string) []string {
	merged := make(map[string]string, len(l.BaseEnv)+len(overrides))
	for k, v := range l.BaseEnv {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
