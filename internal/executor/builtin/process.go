package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// newCommand builds a command that runs in its own process group, so
// cancelling ctx kills every descendant and not only the shell.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// runHooks observe a command while it runs. Every field is optional.
type runHooks struct {
	pm      *ProcessManager
	started func(*exec.Cmd)
	line    func(string) // Complete stdout lines, in order
}

// output is what a finished command wrote.
type output struct {
	stdout []byte
	stderr []byte
}

// runCommand starts cmd and waits for it. Both pipes are drained before
// Wait so large output cannot block the child.
func runCommand(cmd *exec.Cmd, hooks runHooks) (output, error) {
	var out output

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return out, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return out, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return out, fmt.Errorf("failed to start command: %w", err)
	}
	if hooks.pm != nil {
		hooks.pm.Track(cmd)
		defer hooks.pm.Untrack(cmd)
	}
	if hooks.started != nil {
		hooks.started(cmd)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdoutDst io.Writer = &stdoutBuf
	var lines *lineSplitter
	if hooks.line != nil {
		lines = &lineSplitter{emit: hooks.line}
		stdoutDst = io.MultiWriter(&stdoutBuf, lines)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(stdoutDst, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()
	if lines != nil {
		lines.flush()
	}

	waitErr := cmd.Wait()
	out.stdout = stdoutBuf.Bytes()
	out.stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if stderr := strings.TrimSpace(string(out.stderr)); stderr != "" {
			return out, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, stderr)
		}
		return out, fmt.Errorf("command failed: %w", waitErr)
	}
	return out, nil
}

// lineSplitter turns a byte stream into lines.
type lineSplitter struct {
	emit    func(string)
	partial []byte
}

func (s *lineSplitter) Write(p []byte) (int, error) {
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.emit(strings.TrimRight(string(s.partial[:i]), "\r"))
		s.partial = s.partial[i+1:]
	}
	return len(p), nil
}

func (s *lineSplitter) flush() {
	if len(s.partial) > 0 {
		s.emit(string(s.partial))
		s.partial = nil
	}
}

// exitCode extracts the process exit status from a command error, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// killProcessGroup sends SIGKILL to the process group of cmd.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// Negative pid addresses the whole group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

type trackedProcess struct {
	cmd     *exec.Cmd
	started time.Time
}

// ProcessManager records the subprocesses started by command tasks so the
// binary can kill them all on shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]trackedProcess // pid -> process
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]trackedProcess),
	}
}

// Track registers a started subprocess. Unstarted commands are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = trackedProcess{cmd: cmd, started: time.Now()}
}

// Untrack forgets a subprocess after it exited.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll kills the process group of every tracked subprocess. Processes
// stay tracked until their runner untracks them.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, p := range pm.procs {
		log.Printf("Killing process group %d (%s, running %s)", pid,
			strings.Join(p.cmd.Args, " "), time.Since(p.started).Round(time.Millisecond))
		if err := killProcessGroup(p.cmd); err != nil {
			errs = append(errs, fmt.Errorf("process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked subprocesses.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
