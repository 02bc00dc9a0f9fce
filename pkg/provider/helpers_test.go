package provider

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harun/toolgate/pkg/validator"
)

type echoInput struct {
	Text string `json:"text"`
}

type sleepInput struct {
	Millis int `json:"millis"`
}

func newTestServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "test-provider", Version: "1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo text back"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: in.Text}}}, nil, nil
		})

	mcp.AddTool(server, &mcp.Tool{Name: "sleep", Description: "Sleep then answer"},
		func(ctx context.Context, req *mcp.CallToolRequest, in sleepInput) (*mcp.CallToolResult, any, error) {
			select {
			case <-time.After(time.Duration(in.Millis) * time.Millisecond):
				return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "late"}}}, nil, nil
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "read_notes",
		Description: "Read-only lookup",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "notes"}}}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{Name: "fail", Description: "Always reports failure"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "boom"}},
			}, nil, nil
		})

	return server
}

// memLauncher connects sessions to an in-process MCP server and counts
// launches so tests can prove nothing was spawned.
type memLauncher struct {
	server   *mcp.Server
	launches atomic.Int32
	failures atomic.Int32
	mu       sync.Mutex
	sessions []*mcp.ServerSession
}

func newMemLauncher() *memLauncher {
	return &memLauncher{server: newTestServer()}
}

func (l *memLauncher) Launch(entry Entry) (mcp.Transport, *exec.Cmd, error) {
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
	l.sessions = append(l.sessions, ss)
	l.mu.Unlock()
	return clientT, nil, nil
}

func (l *memLauncher) lastServerSession() *mcp.ServerSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sessions) == 0 {
		return nil
	}
	return l.sessions[len(l.sessions)-1]
}

func testValidator() *validator.Validator {
	cfg := validator.DefaultConfig()
	cfg.AllowedCommands = []string{"node"}
	return validator.New(cfg)
}

func testEntry(id string) Entry {
	return Entry{ID: id, Command: "node", Args: []string{"server.js"}, Env: map[string]string{}, Timeout: 2 * time.Second}
}

func connectTest(t *testing.T, l *memLauncher, entry Entry, onTransition TransitionFunc) *Session {
	t.Helper()
	s, err := Connect(context.Background(), entry, SessionOptions{
		Validator:    testValidator(),
		Launcher:     l,
		CloseGrace:   time.Second,
		OnTransition: onTransition,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
