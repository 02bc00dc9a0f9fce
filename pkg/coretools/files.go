package coretools

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/toolexecutor"
	"github.com/harun/toolgate/pkg/validator"
)

const defaultReadBytes = 200000

type readFileResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Bytes     int    `json:"bytes"`
	Truncated bool   `json:"truncated"`
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

type listDirResult struct {
	Path    string     `json:"path"`
	Entries []dirEntry `json:"entries"`
}

type writeFileResult struct {
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	Append bool   `json:"append"`
}

func readFileTool(v *validator.Validator) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file under the allowed roots.",
		Class:       tool.ClassRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Default: defaultReadBytes},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			var args struct {
				Path     string `json:"path"`
				MaxBytes int64  `json:"max_bytes"`
			}
			if err := decodeArgs(params, &args); err != nil {
				return nil, err
			}
			target, err := v.ValidatePath(args.Path)
			if err != nil {
				return nil, err
			}

			data, truncated, err := readPrefix(target, args.MaxBytes)
			if err != nil {
				return nil, err
			}
			return readFileResult{Path: args.Path, Content: string(data), Bytes: len(data), Truncated: truncated}, nil
		},
	}
}

func listDirTool(v *validator.Validator) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_dir",
		Description: "List a directory under the allowed roots.",
		Class:       tool.ClassRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Directory path (default: first root)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(params, &args); err != nil {
				return nil, err
			}
			if strings.TrimSpace(args.Path) == "" {
				args.Path = "."
			}
			target, err := v.ValidatePath(args.Path)
			if err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			res := listDirResult{Path: args.Path, Entries: make([]dirEntry, 0, len(entries))}
			for _, e := range entries {
				item := dirEntry{Name: e.Name(), IsDir: e.IsDir()}
				if !e.IsDir() {
					if info, err := e.Info(); err == nil {
						item.Size = info.Size()
					}
				}
				res.Entries = append(res.Entries, item)
			}
			return res, nil
		},
	}
}

func writeFileTool(v *validator.Validator) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file under the allowed roots.",
		Class:       tool.ClassWrite,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
				Append  bool   `json:"append"`
			}
			if err := decodeArgs(params, &args); err != nil {
				return nil, err
			}
			target, err := v.ValidatePath(args.Path)
			if err != nil {
				return nil, err
			}

			if err := writeFile(target, args.Content, args.Append); err != nil {
				return nil, err
			}
			return writeFileResult{Path: args.Path, Bytes: len(args.Content), Append: args.Append}, nil
		},
	}
}

func writeFile(path, content string, appendMode bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	mode := os.O_TRUNC
	if appendMode {
		mode = os.O_APPEND
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|mode, 0644)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(f, content); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readPrefix reads at most limit bytes of path and reports whether more
// remained.
func readPrefix(path string, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		limit = defaultReadBytes
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
