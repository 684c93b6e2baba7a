package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T) *WorkspaceTools {
	t.Helper()
	return NewWorkspaceTools(t.TempDir())
}

func TestBashRunsInWorkspace(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(w.Root, "hello.txt"), []byte("hi"), 0o644))

	out := w.Dispatch(context.Background(), ToolCall{
		Name:  "bash",
		Input: map[string]interface{}{"command": "ls"},
	})

	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "hello.txt")
}

func TestBashCapturesStderrAndExitError(t *testing.T) {
	w := newWorkspace(t)

	out := w.Dispatch(context.Background(), ToolCall{
		Name:  "bash",
		Input: map[string]interface{}{"command": "echo oops >&2; exit 3"},
	})

	require.True(t, out.IsError)
	require.Contains(t, out.Content, "oops")
	require.Contains(t, out.Content, "exit error")
}

func TestBashRefusesDeniedCommands(t *testing.T) {
	w := newWorkspace(t)

	for _, cmd := range []string{
		"sudo apt-get install nginx",
		"git push --force origin main",
		"rm -rf / ",
	} {
		out := w.Dispatch(context.Background(), ToolCall{
			Name:  "bash",
			Input: map[string]interface{}{"command": cmd},
		})
		require.True(t, out.IsError, "expected refusal for %q", cmd)
		require.Contains(t, strings.ToLower(out.Content), "blocked", cmd)
	}
}

func TestFileToolsRoundTrip(t *testing.T) {
	w := newWorkspace(t)
	ctx := context.Background()

	out := w.Dispatch(ctx, ToolCall{Name: "write_file", Input: map[string]interface{}{
		"path":    "src/app.go",
		"content": "package app\n\nconst Version = \"0.1.0\"\n",
	}})
	require.False(t, out.IsError, out.Content)

	out = w.Dispatch(ctx, ToolCall{Name: "edit_file", Input: map[string]interface{}{
		"path":       "src/app.go",
		"old_string": "0.1.0",
		"new_string": "0.2.0",
	}})
	require.False(t, out.IsError, out.Content)

	out = w.Dispatch(ctx, ToolCall{Name: "read_file", Input: map[string]interface{}{"path": "src/app.go"}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "0.2.0")

	out = w.Dispatch(ctx, ToolCall{Name: "list_files", Input: map[string]interface{}{"path": "src"}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "app.go")
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	w := newWorkspace(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(w.Root, "a.txt"), []byte("x y x"), 0o644))

	out := w.Dispatch(ctx, ToolCall{Name: "edit_file", Input: map[string]interface{}{
		"path":       "a.txt",
		"old_string": "x",
		"new_string": "z",
	}})
	require.True(t, out.IsError)
	require.Contains(t, out.Content, "matches 2 times")

	out = w.Dispatch(ctx, ToolCall{Name: "edit_file", Input: map[string]interface{}{
		"path":        "a.txt",
		"old_string":  "x",
		"new_string":  "z",
		"replace_all": true,
	}})
	require.False(t, out.IsError, out.Content)

	data, err := os.ReadFile(filepath.Join(w.Root, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "z y z", string(data))
}

func TestPathEscapeIsBlocked(t *testing.T) {
	w := newWorkspace(t)

	out := w.Dispatch(context.Background(), ToolCall{Name: "read_file", Input: map[string]interface{}{
		"path": "../../etc/passwd",
	}})
	require.True(t, out.IsError)
	require.Contains(t, out.Content, "Blocked")
}

func TestUnknownToolIsError(t *testing.T) {
	w := newWorkspace(t)

	out := w.Dispatch(context.Background(), ToolCall{Name: "teleport"})
	require.True(t, out.IsError)
	require.Contains(t, out.Content, "unknown tool")
}

func TestDeclarationsCoverDispatchableTools(t *testing.T) {
	w := newWorkspace(t)

	names := map[string]bool{}
	for _, d := range w.Declarations() {
		names[d.Name] = true
	}
	for _, want := range []string{"bash", "read_file", "write_file", "edit_file", "list_files"} {
		require.True(t, names[want], "missing declaration for %s", want)
	}
}
