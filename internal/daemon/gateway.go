package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/pkg/tool"
)

// Executor is the gateway's view of the composite executor.
type Executor interface {
	ListTools() []tool.Descriptor
	Execute(ctx context.Context, call tool.Call) (tool.Output, error)
}

// Gateway serves the catalog as an MCP server. Every tools/call goes through
// the executor as the configured actor, so MCP clients get exactly the
// pipeline's decisions.
type Gateway struct {
	executor Executor
	actor    tool.Actor
	server   *mcp.Server
	changed  chan struct{}

	mu      sync.Mutex
	exposed map[string]string
}

// NewGateway creates a gateway over executor.
func NewGateway(executor Executor, actor tool.Actor) *Gateway {
	return &Gateway{
		executor: executor,
		actor:    actor,
		server:   mcp.NewServer(&mcp.Implementation{Name: "toolgate", Version: Version}, nil),
		changed:  make(chan struct{}, 1),
		exposed:  make(map[string]string),
	}
}

// Server returns the underlying MCP server.
func (g *Gateway) Server() *mcp.Server {
	return g.server
}

// Run serves one client on transport until it disconnects or ctx is done.
func (g *Gateway) Run(ctx context.Context, transport mcp.Transport) error {
	log.Info().Str("actor", g.actor.ID).Str("role", g.actor.Role).Msg("MCP gateway serving")
	return g.server.Run(ctx, transport)
}

// Changed schedules a Sync. It never blocks, so it is safe to call from
// inside a session transition.
func (g *Gateway) Changed() {
	select {
	case g.changed <- struct{}{}:
	default:
	}
}

func (g *Gateway) syncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.changed:
			g.Sync()
		}
	}
}

// Sync makes the served tool list match the catalog. Unchanged tools are
// left alone so clients only see list changes that happened.
func (g *Gateway) Sync() {
	descs := g.executor.ListTools()

	g.mu.Lock()
	defer g.mu.Unlock()

	current := make(map[string]string, len(descs))
	for _, d := range descs {
		name := d.QualifiedName()
		sig := signature(d)
		current[name] = sig
		if g.exposed[name] == sig {
			continue
		}
		g.server.AddTool(&mcp.Tool{
			Name:        name,
			Description: d.Description,
			InputSchema: inputSchema(d.InputSchema),
			Annotations: annotations(d.Class),
		}, g.handler(name))
	}

	var stale []string
	for name := range g.exposed {
		if _, ok := current[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		g.server.RemoveTools(stale...)
	}
	g.exposed = current

	log.Debug().Int("tools", len(current)).Int("removed", len(stale)).Msg("Gateway tools synced")
}

// Exposed lists the tool names currently served.
func (g *Gateway) Exposed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.exposed))
	for name := range g.exposed {
		out = append(out, name)
	}
	return out
}

func (g *Gateway) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]interface{}{}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}

		out, err := g.executor.Execute(ctx, tool.Call{
			Tool:  name,
			Args:  args,
			Actor: g.actor,
		})
		if err != nil {
			return errorResult(err.Error()), nil
		}
		if !out.Success {
			msg := out.Error
			if msg == "" {
				msg = out.Content
			}
			return errorResult(msg), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out.Content}},
		}, nil
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

// inputSchema returns the descriptor's schema as an object schema. MCP
// requires one even for tools that take no arguments.
func inputSchema(raw json.RawMessage) map[string]interface{} {
	schema := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil {
			schema = map[string]interface{}{}
		}
	}
	if schema["type"] != "object" {
		return map[string]interface{}{"type": "object"}
	}
	return schema
}

func annotations(class tool.RiskClass) *mcp.ToolAnnotations {
	destructive := class == tool.ClassWrite || class == tool.ClassExec
	openWorld := class == tool.ClassNetwork || class == tool.ClassRemote
	return &mcp.ToolAnnotations{
		ReadOnlyHint:    class == tool.ClassRead,
		DestructiveHint: &destructive,
		OpenWorldHint:   &openWorld,
	}
}

func signature(d tool.Descriptor) string {
	return string(d.Class) + "\x00" + d.Description + "\x00" + string(d.InputSchema)
}

// notifyingPublisher feeds the catalog and tells the gateway its list may
// have changed.
type notifyingPublisher struct {
	catalog interface {
		Replace(origin tool.Origin, descs []tool.Descriptor) []string
		RemoveProvider(providerID string)
	}
	notify func()
}

func (p *notifyingPublisher) Replace(origin tool.Origin, descs []tool.Descriptor) []string {
	names := p.catalog.Replace(origin, descs)
	p.notify()
	return names
}

func (p *notifyingPublisher) RemoveProvider(providerID string) {
	p.catalog.RemoveProvider(providerID)
	p.notify()
}
