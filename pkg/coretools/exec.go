package coretools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/toolgate/pkg/sandbox"
	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/toolexecutor"
	"github.com/harun/toolgate/pkg/validator"
)

type execResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated"`
}

func execTool(v *validator.Validator, runner sandbox.Runner) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "exec",
		Description: "Execute an allowlisted command on the host.",
		Class:       tool.ClassExec,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Command to execute", Required: true},
			{Name: "args", Type: "array", Description: "Command arguments"},
			{Name: "cwd", Type: "string", Description: "Working directory (relative to the first root)"},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds"},
			{Name: "env", Type: "object", Description: "Environment variables"},
			{Name: "stdin", Type: "string", Description: "Standard input"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			var args struct {
				Command string            `json:"command"`
				Args    []string          `json:"args"`
				Cwd     string            `json:"cwd"`
				Timeout float64           `json:"timeout"`
				Env     map[string]string `json:"env"`
				Stdin   string            `json:"stdin"`
			}
			if err := decodeArgs(params, &args); err != nil {
				return nil, err
			}
			command := strings.TrimSpace(args.Command)
			if command == "" {
				return nil, fmt.Errorf("%w: command is required", tool.ErrValidation)
			}

			req := sandbox.ExecuteRequest{
				Command: command,
				Args:    args.Args,
				Env:     args.Env,
			}
			if args.Timeout > 0 {
				req.Timeout = time.Duration(args.Timeout * float64(time.Second))
			}
			if strings.TrimSpace(args.Cwd) != "" {
				dir, err := v.ValidatePath(args.Cwd)
				if err != nil {
					return nil, err
				}
				req.WorkingDir = dir
			}
			if args.Stdin != "" {
				req.Stdin = []byte(args.Stdin)
			}

			res, err := runner.Execute(ctx, req)
			if err != nil {
				return nil, err
			}
			return execResult{
				Stdout:     string(res.Stdout),
				Stderr:     string(res.Stderr),
				ExitCode:   res.ExitCode,
				DurationMS: res.Duration.Milliseconds(),
				Truncated:  res.Truncated,
			}, nil
		},
	}
}
