package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"taskplane/internal/domain/tool"
)

const (
	ShellExecID = "shell_exec"

	maxShellOutput = 64 << 10
)

// ShellExec runs a command through sh -c. It always requires approval.
func ShellExec(dir string) tool.Tool {
	return tool.Tool{
		ID:          ShellExecID,
		Description: "Run a shell command and return its combined output.",
		Schema: tool.Schema{
			Type: "object",
			Properties: map[string]tool.Property{
				"command": {Type: "string", Description: "Command line passed to sh -c"},
			},
			Required: []string{"command"},
		},
		RequiresApproval: true,
		Run: func(ctx context.Context, input map[string]any, _ tool.RunContext) tool.Result {
			command, _ := input["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return tool.Failure(tool.ErrSchemaValidation, "command is empty")
			}
			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = dir
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out
			err := cmd.Run()

			output := out.String()
			truncated := false
			if len(output) > maxShellOutput {
				output = output[:maxShellOutput]
				truncated = true
			}
			if err != nil {
				if ctx.Err() != nil {
					return tool.Failure(tool.ErrCancelled, ctx.Err().Error())
				}
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return tool.Failure(tool.ErrExecution, fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(output)))
				}
				if errors.Is(err, exec.ErrNotFound) {
					return tool.Failure(tool.ErrToolNotFound, err.Error())
				}
				return tool.Failure(tool.ErrExecution, err.Error())
			}
			res := tool.Success(map[string]any{"command": command, "output": output})
			res.Meta.Truncated = truncated
			return res
		},
	}
}
