package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolgate/pkg/tool"
)

// connectClient serves the daemon's gateway on an in-memory transport and
// returns a connected client session.
func connectClient(t *testing.T, d *testDaemon) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clientT, serverT := mcp.NewInMemoryTransports()
	go func() { _ = d.Serve(ctx, serverT) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "gateway-test", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func listNames(t *testing.T, cs *mcp.ClientSession) []string {
	t.Helper()
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	names := make([]string, 0, len(res.Tools))
	for _, tl := range res.Tools {
		names = append(names, tl.Name)
	}
	return names
}

func resultText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestGatewayServesCatalog(t *testing.T) {
	d := createTestDaemon(t, nil)
	require.NoError(t, d.Connect(context.Background()))

	cs := connectClient(t, d)

	names := listNames(t, cs)
	assert.Contains(t, names, "p1.echo")
	assert.Contains(t, names, "read_file")
}

func TestGatewayCallGoesThroughPipeline(t *testing.T) {
	d := createTestDaemon(t, nil)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	cs := connectClient(t, d)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "p1.echo",
		Arguments: map[string]interface{}{"text": "through the gate"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "through the gate", resultText(res))

	require.NoError(t, d.Audit().Flush(ctx))
	var found bool
	for _, e := range d.sink.Entries() {
		if e.Tool == "p1.echo" && e.Actor == "mcp-client" {
			found = true
		}
	}
	assert.True(t, found, "gateway calls are audited as the configured actor")
}

func TestGatewayReportsRejectionsAsToolErrors(t *testing.T) {
	d := createTestDaemon(t, nil)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	cs := connectClient(t, d)

	// Elevated trust is required for write tools.
	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "write_file",
		Arguments: map[string]interface{}{"path": "x.txt", "content": "x"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "insufficient trust")

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "p1.fail",
		Arguments: map[string]interface{}{"text": "x"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "boom")
}

func TestGatewayDropsToolsOfExitedProvider(t *testing.T) {
	d := createTestDaemon(t, nil)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })

	cs := connectClient(t, d)
	require.Contains(t, listNames(t, cs), "p1.echo")

	d.launcher.Kill("p1")

	require.Eventually(t, func() bool {
		for _, name := range d.gateway.Exposed() {
			if name == "p1.echo" {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.NotContains(t, listNames(t, cs), "p1.echo")
	assert.Contains(t, listNames(t, cs), "read_file")
}

type stubExecutor struct {
	descs []tool.Descriptor
}

func (s *stubExecutor) ListTools() []tool.Descriptor { return s.descs }

func (s *stubExecutor) Execute(ctx context.Context, call tool.Call) (tool.Output, error) {
	return tool.Output{CallID: "c1", Success: true, Content: call.Actor.Role}, nil
}

func TestGatewaySync(t *testing.T) {
	stub := &stubExecutor{descs: []tool.Descriptor{
		{Name: "a", Origin: tool.LocalOrigin(), Class: tool.ClassRead},
		{Name: "b", Origin: tool.RemoteOrigin("p1"), Class: tool.ClassRemote,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}}}`)},
	}}
	g := NewGateway(stub, tool.Actor{ID: "c", Role: "agent"})

	g.Sync()
	assert.ElementsMatch(t, []string{"a", "p1.b"}, g.Exposed())

	stub.descs = stub.descs[:1]
	g.Sync()
	assert.ElementsMatch(t, []string{"a"}, g.Exposed())
}

func TestInputSchema(t *testing.T) {
	assert.Equal(t, map[string]interface{}{"type": "object"}, inputSchema(nil))
	assert.Equal(t, map[string]interface{}{"type": "object"}, inputSchema(json.RawMessage(`{"type":"string"}`)))
	assert.Equal(t, map[string]interface{}{"type": "object"}, inputSchema(json.RawMessage(`not json`)))

	s := inputSchema(json.RawMessage(`{"type":"object","required":["x"]}`))
	assert.Equal(t, []interface{}{"x"}, s["required"])
}

func TestAnnotations(t *testing.T) {
	a := annotations(tool.ClassRead)
	assert.True(t, a.ReadOnlyHint)
	assert.False(t, *a.DestructiveHint)

	a = annotations(tool.ClassExec)
	assert.False(t, a.ReadOnlyHint)
	assert.True(t, *a.DestructiveHint)

	a = annotations(tool.ClassNetwork)
	assert.True(t, *a.OpenWorldHint)
}
