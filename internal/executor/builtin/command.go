package builtin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/taskflow/internal/executor"
)

// TypeCommand is the task type served by CommandExecutor.
const TypeCommand = "command"

// outputReportInterval bounds how often stdout lines become progress events.
const outputReportInterval = 250 * time.Millisecond

// CommandExecutor runs a shell command in its own process group.
//
// Inputs: "command" (required), "dir", "env" (map of strings).
// Params: "shell" (default "sh").
type CommandExecutor struct {
	executor.Base

	shell string
	pm    *ProcessManager

	mu     sync.Mutex
	cmd    *exec.Cmd
	killed bool
}

// NewCommandConstructor returns a constructor bound to pm. pm may be nil.
func NewCommandConstructor(pm *ProcessManager) executor.Constructor {
	return func(params map[string]any) (executor.Executor, error) {
		shell := "sh"
		if v, ok := params["shell"]; ok {
			s, ok := v.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("param shell must be a non-empty string")
			}
			shell = s
		}
		return &CommandExecutor{shell: shell, pm: pm}, nil
	}
}

func (c *CommandExecutor) ID() string   { return "builtin.command" }
func (c *CommandExecutor) Name() string { return "Shell command" }

func (c *CommandExecutor) Description() string {
	return "Runs a shell command and captures its output"
}

func (c *CommandExecutor) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"command"},
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "minLength": 1},
			"dir":     map[string]any{"type": "string"},
			"env": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
		},
	}
}

// Execute runs the command. A non-zero exit fails the task; stdout, stderr
// and the exit code are still reported in the error text.
func (c *CommandExecutor) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	command, _ := inputs["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("input command is required")
	}

	cmd := newCommand(ctx, c.shell, "-c", command)
	if dir, ok := inputs["dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	if env, ok := inputs["env"].(map[string]any); ok && len(env) > 0 {
		cmd.Env = append(os.Environ(), envList(env)...)
	}

	executor.ReportProgress(ctx, 0, "starting "+c.shell)
	var lastReport time.Time
	out, err := runCommand(cmd, runHooks{
		pm:      c.pm,
		started: c.started,
		line: func(line string) {
			// Output lines ride along as progress messages, throttled.
			if now := time.Now(); now.Sub(lastReport) >= outputReportInterval {
				lastReport = now
				executor.ReportMessage(ctx, line)
			}
		},
	})

	c.mu.Lock()
	killed := c.killed
	c.cmd = nil
	c.mu.Unlock()

	if err != nil {
		if killed || executor.Cancelled(ctx) {
			return nil, fmt.Errorf("command cancelled: %w", context.Canceled)
		}
		return nil, fmt.Errorf("exit code %d: %w", exitCode(err), err)
	}

	executor.ReportProgress(ctx, 1, "command finished")
	return map[string]any{
		"stdout":    string(out.stdout),
		"stderr":    string(out.stderr),
		"exit_code": 0,
	}, nil
}

func (c *CommandExecutor) started(cmd *exec.Cmd) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmd = cmd
}

// Cancel kills the running process group.
func (c *CommandExecutor) Cancel() executor.CancelResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return executor.CancelResult{Status: executor.CancelAccepted, Message: "no process running"}
	}
	if err := killProcessGroup(c.cmd); err != nil {
		return executor.CancelResult{Status: executor.CancelFailed, Message: err.Error()}
	}
	c.killed = true
	return executor.CancelResult{Status: executor.CancelAccepted, Message: "process group killed"}
}

func envList(env map[string]any) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, fmt.Sprintf("%s=%v", k, env[k]))
	}
	return list
}
