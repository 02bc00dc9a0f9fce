package toolexecutor

import (
	"context"

	"github.com/harun/toolgate/pkg/tool"
)

type callContextKey struct{}

// ContextWithCall attaches the call being executed for tool handlers.
func ContextWithCall(ctx context.Context, call tool.Call) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callContextKey{}, call)
}

// CallFromContext extracts the call being executed.
func CallFromContext(ctx context.Context) (tool.Call, bool) {
	if ctx == nil {
		return tool.Call{}, false
	}
	call, ok := ctx.Value(callContextKey{}).(tool.Call)
	return call, ok
}
