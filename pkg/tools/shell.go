package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kanbeast/kanbeast/pkg/logger"
)

const (
	defaultCommandTimeout = 120 * time.Second
	maxProcessBuffer      = 256 * 1024
)

// managedProcess is one background process started by start_process.
type managedProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	output bytes.Buffer
	read   int // bytes already handed back to the agent
	done   chan struct{}
}

func (p *managedProcess) appendOutput(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output.Write(data)
	if p.output.Len() > maxProcessBuffer {
		drop := p.output.Len() - maxProcessBuffer
		p.output.Next(drop)
		if p.read > drop {
			p.read -= drop
		} else {
			p.read = 0
		}
	}
}

func (p *managedProcess) takeNewOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.output.Bytes()
	if p.read >= len(data) {
		return ""
	}
	out := string(data[p.read:])
	p.read = len(data)
	return out
}

func (p *managedProcess) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ShellTable owns the background processes of one worker. Shared by all
// agents driving the same ticket so a developer can kill what a sub-agent
// started.
type ShellTable struct {
	mu    sync.Mutex
	procs map[string]*managedProcess
}

func NewShellTable() *ShellTable {
	return &ShellTable{procs: make(map[string]*managedProcess)}
}

func (s *ShellTable) get(id string) (*managedProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	return p, ok
}

// KillAll terminates every tracked process. Called when a worker shuts down.
func (s *ShellTable) KillAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.procs {
		if p.running() && p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		delete(s.procs, id)
	}
}

// NewShellTools returns the shell tool family. runOnly restricts the set to
// the synchronous run_command (planner roles).
func NewShellTools(runOnly bool) []*Tool {
	run := &Tool{
		Name:        "run_command",
		Description: "Run a shell command and return its combined output and exit status. Blocks until the command finishes or the timeout elapses.",
		Params: []Param{
			{Name: "command", Type: "string", Description: "Shell command to execute", Required: true},
			{Name: "timeout_seconds", Type: "integer", Description: "Maximum run time in seconds (default 120)"},
		},
		Handler: runCommand,
	}
	if runOnly {
		return []*Tool{run}
	}
	return []*Tool{
		run,
		{
			Name:        "start_process",
			Description: "Start a long-running shell command in the background and return its process id.",
			Params: []Param{
				{Name: "command", Type: "string", Description: "Shell command to start", Required: true},
			},
			Handler: startProcess,
		},
		{
			Name:        "send_process_input",
			Description: "Write a line to a background process's stdin and return any new output.",
			Params: []Param{
				{Name: "process_id", Type: "string", Description: "Id returned by start_process", Required: true},
				{Name: "input", Type: "string", Description: "Text to send; a newline is appended", Required: true},
			},
			Handler: sendProcessInput,
		},
		{
			Name:        "kill_process",
			Description: "Terminate a background process started with start_process.",
			Params: []Param{
				{Name: "process_id", Type: "string", Description: "Id returned by start_process", Required: true},
			},
			Handler: killProcess,
		},
	}
}

func runCommand(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	command, err := RequireString(args, "command")
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(IntArg(args, "timeout_seconds", 0)) * time.Second
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if tc != nil && tc.WorkDir != "" {
		cmd.Dir = tc.WorkDir
	}
	output, err := cmd.CombinedOutput()

	result := string(output)
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result += fmt.Sprintf("\n[command timed out after %s]", timeout)
	case err != nil:
		result += fmt.Sprintf("\n[exit status: %v]", err)
	default:
		result += "\n[exit status: 0]"
	}
	return NewResult(TruncateResponse(result)), nil
}

func startProcess(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	command, err := RequireString(args, "command")
	if err != nil {
		return nil, err
	}
	if tc == nil || tc.Shell == nil {
		return nil, fmt.Errorf("no shell available in this context")
	}

	cmd := exec.Command("sh", "-c", command)
	if tc.WorkDir != "" {
		cmd.Dir = tc.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}

	proc := &managedProcess{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				proc.appendOutput(buf[:n])
			}
			if readErr != nil {
				break
			}
		}
		cmd.Wait()
		close(proc.done)
	}()

	id := uuid.NewString()[:8]
	tc.Shell.mu.Lock()
	tc.Shell.procs[id] = proc
	tc.Shell.mu.Unlock()

	logger.InfoCF("shell", "Background process started",
		map[string]any{"process_id": id, "pid": cmd.Process.Pid})
	return NewResult(fmt.Sprintf("Started process %s (pid %d)", id, cmd.Process.Pid)), nil
}

func sendProcessInput(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	id, err := RequireString(args, "process_id")
	if err != nil {
		return nil, err
	}
	input := StringArg(args, "input")
	if tc == nil || tc.Shell == nil {
		return nil, fmt.Errorf("no shell available in this context")
	}
	proc, ok := tc.Shell.get(id)
	if !ok {
		return nil, fmt.Errorf("unknown process id %q", id)
	}
	if !proc.running() {
		return NewResult(fmt.Sprintf("Process %s has exited.\n%s", id, proc.takeNewOutput())), nil
	}

	if _, err := io.WriteString(proc.stdin, input+"\n"); err != nil {
		return nil, fmt.Errorf("failed to write to process: %w", err)
	}

	// Give the process a moment to respond before collecting output.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-proc.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return NewResult(TruncateResponse(proc.takeNewOutput())), nil
}

func killProcess(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	id, err := RequireString(args, "process_id")
	if err != nil {
		return nil, err
	}
	if tc == nil || tc.Shell == nil {
		return nil, fmt.Errorf("no shell available in this context")
	}
	proc, ok := tc.Shell.get(id)
	if !ok {
		return nil, fmt.Errorf("unknown process id %q", id)
	}

	if proc.running() && proc.cmd.Process != nil {
		if err := proc.cmd.Process.Kill(); err != nil {
			return nil, fmt.Errorf("failed to kill process: %w", err)
		}
	}
	tc.Shell.mu.Lock()
	delete(tc.Shell.procs, id)
	tc.Shell.mu.Unlock()

	tail := proc.takeNewOutput()
	if tail != "" {
		return NewResult(fmt.Sprintf("Process %s killed. Final output:\n%s", id, TruncateResponse(tail))), nil
	}
	return NewResult(fmt.Sprintf("Process %s killed.", id)), nil
}
