package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskplane/internal/domain/tool"
)

func TestFileReadWithinRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes", "a.txt"), []byte("hello"), 0o644))

	res := FileRead(root).Run(context.Background(), map[string]any{"path": "notes/a.txt"}, tool.RunContext{})
	require.True(t, res.OK, "unexpected failure: %v", res.Error)
	assert.Equal(t, "hello", res.Data.(map[string]any)["content"])
	assert.False(t, res.Meta.Truncated)
}

func TestFileReadRejectsEscape(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"../etc/passwd", "/etc/passwd", "notes/../../x"} {
		res := FileRead(root).Run(context.Background(), map[string]any{"path": p}, tool.RunContext{})
		assert.Equal(t, tool.ErrPermissionDenied, res.ErrorCode(), p)
	}
}

func TestFileReadMissingAndTruncated(t *testing.T) {
	root := t.TempDir()
	res := FileRead(root).Run(context.Background(), map[string]any{"path": "nope.txt"}, tool.RunContext{})
	assert.Equal(t, tool.ErrSchemaValidation, res.ErrorCode())

	big := strings.Repeat("x", maxFileBytes+10)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o644))
	res = FileRead(root).Run(context.Background(), map[string]any{"path": "big.txt"}, tool.RunContext{})
	require.True(t, res.OK)
	assert.True(t, res.Meta.Truncated)
	assert.Len(t, res.Data.(map[string]any)["content"], maxFileBytes)
}
