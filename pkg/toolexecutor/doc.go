// Package toolexecutor runs tool calls through the gated pipeline: catalog
// lookup, permission, trust, argument validation, backend dispatch, anomaly
// scoring, output filtering and audit.
//
// Invariants:
// - Every call produces exactly one audit entry, including rejected calls.
// - A call only reaches a backend after passing permission and trust.
// - A call that outlives its timeout resolves as a timeout; a late result is dropped.
// - Trust and anomaly are independent scorers; the executor arbitrates between them.
//
// Usage:
//
//	local := toolexecutor.NewLocalBackend()
//	_ = local.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Class: tool.ClassRead,
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	exec := toolexecutor.New(toolexecutor.DefaultConfig(), toolexecutor.Components{...})
//	out, err := exec.Execute(ctx, tool.Call{Tool: "echo", Args: map[string]interface{}{"text": "hi"}})
package toolexecutor
