package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"google.golang.org/genai"

	"arcadiaforge/internal/logging"
)

const (
	// DefaultCommandTimeout bounds a single bash invocation unless the
	// call overrides it.
	DefaultCommandTimeout = 120 * time.Second

	maxToolOutputLen = 50000
	maxListEntries   = 500
)

// deniedCommands are refused outright. The refusal text carries the
// "blocked" marker so the runner counts it as a security block.
var deniedCommands = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s+/(\s|$)`), "recursive delete of filesystem root"},
	{regexp.MustCompile(`\bgit\s+push\b.*(--force|-f\b)`), "force push"},
	{regexp.MustCompile(`\bsudo\b`), "privilege escalation"},
	{regexp.MustCompile(`\b(shutdown|reboot|halt)\b`), "host power control"},
	{regexp.MustCompile(`\bmkfs\b|\bdd\s+if=`), "raw device write"},
}

// WorkspaceTools executes the assistant's tool calls against the project
// directory. File paths are resolved inside Root; escapes are blocked.
type WorkspaceTools struct {
	Root           string
	CommandTimeout time.Duration
}

func NewWorkspaceTools(root string) *WorkspaceTools {
	return &WorkspaceTools{Root: root, CommandTimeout: DefaultCommandTimeout}
}

func (w *WorkspaceTools) Dispatch(ctx context.Context, call ToolCall) ToolOutput {
	switch call.Name {
	case "bash":
		return w.runBash(ctx, call.Input)
	case "read_file":
		return w.readFile(call.Input)
	case "write_file":
		return w.writeFile(call.Input)
	case "edit_file":
		return w.editFile(call.Input)
	case "list_files":
		return w.listFiles(call.Input)
	default:
		return ToolOutput{Content: fmt.Sprintf("unknown tool: %s", call.Name), IsError: true}
	}
}

func (w *WorkspaceTools) runBash(ctx context.Context, input map[string]interface{}) ToolOutput {
	command := stringArg(input, "command")
	if command == "" {
		return ToolOutput{Content: "command is required", IsError: true}
	}
	for _, d := range deniedCommands {
		if d.pattern.MatchString(command) {
			logging.SessionWarn("command blocked (%s): %s", d.reason, command)
			return ToolOutput{
				Content: fmt.Sprintf("Command blocked by security policy: %s", d.reason),
				IsError: true,
			}
		}
	}

	timeout := w.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if secs := intArg(input, "timeout_seconds"); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = w.Root
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > maxToolOutputLen {
		output = output[:maxToolOutputLen] + "\n...[truncated]"
	}
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return ToolOutput{
				Content: fmt.Sprintf("%s\ncommand timed out after %s", output, timeout),
				IsError: true,
			}
		}
		return ToolOutput{Content: fmt.Sprintf("%s\nexit error: %v", output, err), IsError: true}
	}
	return ToolOutput{Content: output}
}

func (w *WorkspaceTools) readFile(input map[string]interface{}) ToolOutput {
	path, out := w.resolvePath(stringArg(input, "path"))
	if out != nil {
		return *out
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("read failed: %v", err), IsError: true}
	}
	content := string(data)
	if len(content) > maxToolOutputLen {
		content = content[:maxToolOutputLen] + "\n...[truncated]"
	}
	return ToolOutput{Content: content}
}

func (w *WorkspaceTools) writeFile(input map[string]interface{}) ToolOutput {
	path, out := w.resolvePath(stringArg(input, "path"))
	if out != nil {
		return *out
	}
	content := stringArg(input, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ToolOutput{Content: fmt.Sprintf("create directory failed: %v", err), IsError: true}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ToolOutput{Content: fmt.Sprintf("write failed: %v", err), IsError: true}
	}
	return ToolOutput{Content: fmt.Sprintf("wrote %d bytes to %s", len(content), stringArg(input, "path"))}
}

func (w *WorkspaceTools) editFile(input map[string]interface{}) ToolOutput {
	path, out := w.resolvePath(stringArg(input, "path"))
	if out != nil {
		return *out
	}
	oldStr := stringArg(input, "old_string")
	newStr := stringArg(input, "new_string")
	if oldStr == "" {
		return ToolOutput{Content: "old_string is required", IsError: true}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("read failed: %v", err), IsError: true}
	}
	content := string(data)
	count := strings.Count(content, oldStr)
	if count == 0 {
		return ToolOutput{Content: fmt.Sprintf("old_string not found in %s", stringArg(input, "path")), IsError: true}
	}
	replaceAll := boolArg(input, "replace_all")
	if count > 1 && !replaceAll {
		return ToolOutput{
			Content: fmt.Sprintf("old_string matches %d times in %s; pass replace_all to replace every match", count, stringArg(input, "path")),
			IsError: true,
		}
	}
	n := 1
	if replaceAll {
		n = -1
	}
	updated := strings.Replace(content, oldStr, newStr, n)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return ToolOutput{Content: fmt.Sprintf("write failed: %v", err), IsError: true}
	}
	replaced := 1
	if replaceAll {
		replaced = count
	}
	return ToolOutput{Content: fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, stringArg(input, "path"))}
}

func (w *WorkspaceTools) listFiles(input map[string]interface{}) ToolOutput {
	rel := stringArg(input, "path")
	if rel == "" {
		rel = "."
	}
	path, out := w.resolvePath(rel)
	if out != nil {
		return *out
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("list failed: %v", err), IsError: true}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > maxListEntries {
		names = append(names[:maxListEntries], fmt.Sprintf("... (%d more)", len(names)-maxListEntries))
	}
	return ToolOutput{Content: strings.Join(names, "\n")}
}

// resolvePath anchors a tool path inside the project root. A path that
// escapes the root is refused with the blocked marker.
func (w *WorkspaceTools) resolvePath(rel string) (string, *ToolOutput) {
	if rel == "" {
		return "", &ToolOutput{Content: "path is required", IsError: true}
	}
	if filepath.IsAbs(rel) {
		rel = strings.TrimPrefix(rel, string(filepath.Separator))
	}
	abs := filepath.Join(w.Root, rel)
	root := filepath.Clean(w.Root)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", &ToolOutput{
			Content: fmt.Sprintf("Blocked: path %q escapes the project directory", rel),
			IsError: true,
		}
	}
	return abs, nil
}

// Declarations describes the workspace tools to the model.
func (w *WorkspaceTools) Declarations() []*genai.FunctionDeclaration {
	return []*genai.FunctionDeclaration{
		{
			Name:        "bash",
			Description: "Execute a shell command in the project directory and return its output",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"command":         {Type: genai.TypeString, Description: "The command to execute"},
					"timeout_seconds": {Type: genai.TypeInteger, Description: "Timeout in seconds (default 120)"},
				},
				Required: []string{"command"},
			},
		},
		{
			Name:        "read_file",
			Description: "Read a file relative to the project directory",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"path": {Type: genai.TypeString, Description: "File path relative to the project root"},
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file relative to the project directory",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"path":    {Type: genai.TypeString, Description: "File path relative to the project root"},
					"content": {Type: genai.TypeString, Description: "Full file content"},
				},
				Required: []string{"path", "content"},
			},
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact string in a file",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"path":        {Type: genai.TypeString, Description: "File path relative to the project root"},
					"old_string":  {Type: genai.TypeString, Description: "Exact text to replace"},
					"new_string":  {Type: genai.TypeString, Description: "Replacement text"},
					"replace_all": {Type: genai.TypeBoolean, Description: "Replace every match instead of requiring a unique one"},
				},
				Required: []string{"path", "old_string", "new_string"},
			},
		},
		{
			Name:        "list_files",
			Description: "List directory entries relative to the project directory",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"path": {Type: genai.TypeString, Description: "Directory path relative to the project root (default .)"},
				},
			},
		},
	}
}

func stringArg(input map[string]interface{}, key string) string {
	s, _ := input[key].(string)
	return s
}

func boolArg(input map[string]interface{}, key string) bool {
	b, _ := input[key].(bool)
	return b
}

// intArg accepts both int and float64 since JSON decoding produces
// float64 for numbers.
func intArg(input map[string]interface{}, key string) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func floatArg(input map[string]interface{}, key string) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func stringSliceArg(input map[string]interface{}, key string) []string {
	raw, ok := input[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intSliceArg(input map[string]interface{}, key string) []int {
	raw, ok := input[key].([]interface{})
	if !ok {
		return nil
	}
	var out []int
	for _, v := range raw {
		switch n := v.(type) {
		case int:
			out = append(out, n)
		case float64:
			out = append(out, int(n))
		}
	}
	return out
}
