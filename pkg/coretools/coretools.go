// Package coretools provides the built-in local tools: exec, read_file,
// list_dir, write_file and scrape. File tools are confined to the
// validator's roots; exec goes through the host sandbox.
package coretools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/harun/toolgate/pkg/sandbox"
	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/toolexecutor"
	"github.com/harun/toolgate/pkg/validator"
)

// Registrar accepts tool definitions. *toolexecutor.LocalBackend implements it.
type Registrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// Options configures core tool registration.
type Options struct {
	Validator  *validator.Validator
	Runner     sandbox.Runner
	HTTPClient *retryablehttp.Client
	// Disabled lists tool names that are not registered
	Disabled []string
}

// RegisterCoreTools registers the built-in tools. exec is skipped when no
// runner is configured.
func RegisterCoreTools(r Registrar, opts Options) error {
	if r == nil {
		return errors.New("tool registrar is required")
	}
	if opts.Validator == nil {
		return errors.New("validator is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = NewHTTPClient(2)
	}

	skip := make(map[string]bool, len(opts.Disabled))
	for _, name := range opts.Disabled {
		skip[name] = true
	}

	defs := []toolexecutor.ToolDefinition{
		readFileTool(opts.Validator),
		listDirTool(opts.Validator),
		writeFileTool(opts.Validator),
		scrapeTool(opts.HTTPClient),
	}
	if opts.Runner != nil {
		defs = append(defs, execTool(opts.Validator, opts.Runner))
	}

	for _, def := range defs {
		if skip[def.Name] {
			continue
		}
		if err := r.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

// decodeArgs maps the call's argument object onto dst through its json tags.
// A shape mismatch is a validation error: the call never reaches the host.
func decodeArgs(params map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", tool.ErrValidation, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: bad arguments: %v", tool.ErrValidation, err)
	}
	return nil
}
