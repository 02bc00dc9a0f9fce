// Package providertest runs MCP tool providers in-process for tests.
package providertest

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harun/toolgate/pkg/provider"
)

// EchoInput is the input of the echo and fail tools.
type EchoInput struct {
	Text string `json:"text"`
}

// SleepInput is the input of the sleep tool.
type SleepInput struct {
	Millis int `json:"millis"`
}

// NewServer returns an MCP server offering:
//   - echo: returns its text
//   - sleep: answers "late" after millis
//   - read_notes: read-only lookup
//   - fail: always reports a tool error
//   - leak: returns text containing a secret
func NewServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "providertest", Version: "1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo text back"},
		func(ctx context.Context, req *mcp.CallToolRequest, in EchoInput) (*mcp.CallToolResult, any, error) {
			return text(in.Text), nil, nil
		})

	mcp.AddTool(server, &mcp.Tool{Name: "sleep", Description: "Sleep then answer"},
		func(ctx context.Context, req *mcp.CallToolRequest, in SleepInput) (*mcp.CallToolResult, any, error) {
			select {
			case <-time.After(time.Duration(in.Millis) * time.Millisecond):
				return text("late"), nil, nil
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "read_notes",
		Description: "Read-only lookup",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, in EchoInput) (*mcp.CallToolResult, any, error) {
		return text("notes"), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{Name: "fail", Description: "Always reports failure"},
		func(ctx context.Context, req *mcp.CallToolRequest, in EchoInput) (*mcp.CallToolResult, any, error) {
			res := text("boom")
			res.IsError = true
			return res, nil, nil
		})

	mcp.AddTool(server, &mcp.Tool{Name: "leak", Description: "Returns a credential"},
		func(ctx context.Context, req *mcp.CallToolRequest, in EchoInput) (*mcp.CallToolResult, any, error) {
			return text("config: password=hunter2 " + strings.Repeat("x", len(in.Text))), nil, nil
		})

	return server
}

func text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

// Launcher connects every launch to an in-process server and counts
// launches, so tests can prove a rejected entry was never spawned.
type Launcher struct {
	server   *mcp.Server
	launches atomic.Int32
	failures atomic.Int32
	mu       sync.Mutex
	sessions map[string][]*mcp.ServerSession
}

// NewLauncher creates a launcher serving NewServer.
func NewLauncher() *Launcher {
	return &Launcher{server: NewServer(), sessions: make(map[string][]*mcp.ServerSession)}
}

// Launch implements provider.Launcher.
func (l *Launcher) Launch(entry provider.Entry) (mcp.Transport, *exec.Cmd, error) {
	l.launches.Add(1)
	if l.failures.Load() > 0 {
		l.failures.Add(-1)
		return nil, nil, errors.New("spawn failed")
	}

	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := l.server.Connect(context.Background(), serverT, nil)
	if err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	l.sessions[entry.ID] = append(l.sessions[entry.ID], ss)
	l.mu.Unlock()
	return clientT, nil, nil
}

// Launches returns how many launches were attempted.
func (l *Launcher) Launches() int {
	return int(l.launches.Load())
}

// FailNext makes the next n launches fail.
func (l *Launcher) FailNext(n int) {
	l.failures.Store(int32(n))
}

// Kill closes the server side of the provider's latest session, as if the
// process died.
func (l *Launcher) Kill(providerID string) {
	l.mu.Lock()
	sessions := l.sessions[providerID]
	l.mu.Unlock()
	if len(sessions) > 0 {
		_ = sessions[len(sessions)-1].Close()
	}
}
