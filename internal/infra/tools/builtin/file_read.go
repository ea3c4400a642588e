package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"taskplane/internal/domain/tool"
)

const (
	FileReadID = "file_read"

	maxFileBytes = 256 << 10
)

// resolveWithin joins path onto root and rejects anything that escapes it.
func resolveWithin(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)
	rel, err := filepath.Rel(absRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside %s", path, absRoot)
	}
	return candidate, nil
}

// FileRead reads a text file under root.
func FileRead(root string) tool.Tool {
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	return tool.Tool{
		ID:          FileReadID,
		Description: "Read a text file from the workspace.",
		Schema: tool.Schema{
			Type: "object",
			Properties: map[string]tool.Property{
				"path": {Type: "string", Description: "File path relative to the workspace root"},
			},
			Required: []string{"path"},
		},
		Run: func(_ context.Context, input map[string]any, _ tool.RunContext) tool.Result {
			path, _ := input["path"].(string)
			resolved, err := resolveWithin(root, strings.TrimSpace(path))
			if err != nil {
				return tool.Failure(tool.ErrPermissionDenied, err.Error())
			}
			f, err := os.Open(resolved)
			if err != nil {
				switch {
				case errors.Is(err, fs.ErrNotExist):
					return tool.Failure(tool.ErrSchemaValidation, fmt.Sprintf("no such file: %s", path))
				case errors.Is(err, fs.ErrPermission):
					return tool.Failure(tool.ErrPermissionDenied, err.Error())
				default:
					return tool.Failure(tool.ErrExecution, err.Error())
				}
			}
			defer func() { _ = f.Close() }()

			data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
			if err != nil {
				return tool.Failure(tool.ErrExecution, err.Error())
			}
			res := tool.Success(map[string]any{"path": path})
			if len(data) > maxFileBytes {
				data = data[:maxFileBytes]
				res.Meta.Truncated = true
			}
			res.Data.(map[string]any)["content"] = string(data)
			return res
		},
	}
}
