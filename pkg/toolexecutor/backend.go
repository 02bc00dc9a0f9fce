package toolexecutor

import (
	"context"

	"github.com/harun/toolgate/pkg/tool"
)

// Backend serves the tools of one origin kind. The executor picks the
// backend from the descriptor's origin and never needs to know which
// concrete backend it talks to.
type Backend interface {
	// Describe returns the descriptors this backend currently offers.
	Describe(ctx context.Context) ([]tool.Descriptor, error)

	// Execute runs one call. A tool that ran and reported failure returns an
	// Output with Success false and a nil error.
	Execute(ctx context.Context, desc tool.Descriptor, call tool.Call) (tool.Output, error)
}
