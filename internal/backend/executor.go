package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// waitDelay bounds how long Wait blocks on I/O after the process has exited.
const waitDelay = 5 * time.Second

// CommandRunner is the interface for running commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error)
	Start(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr io.ReadCloser, wait func() error, err error)
}

// ExecCommandRunner uses os/exec.
type ExecCommandRunner struct{}

// Run runs a command.
func (ExecCommandRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.WaitDelay = waitDelay

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Start starts a command.
func (ExecCommandRunner) Start(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr io.ReadCloser, wait func() error, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.WaitDelay = waitDelay

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	return stdoutPipe, stderrPipe, cmd.Wait, nil
}

// Executor runs commands.
type Executor struct {
	runner     CommandRunner
	binaryPath string
	timeout    time.Duration
}

// NewExecutor creates an executor. binaryPath may be a bare name resolved
// through PATH.
func NewExecutor(binaryPath string, timeout time.Duration) (*Executor, error) {
	resolved, err := ResolveBinary(binaryPath)
	if err != nil {
		return nil, err
	}

	return &Executor{
		binaryPath: resolved,
		timeout:    timeout,
		runner:     ExecCommandRunner{},
	}, nil
}

// NewExecutorWithRunner creates an executor with a custom runner.
func NewExecutorWithRunner(binaryPath string, timeout time.Duration, runner CommandRunner) *Executor {
	return &Executor{
		binaryPath: binaryPath,
		timeout:    timeout,
		runner:     runner,
	}
}

// ResolveBinary returns an absolute path for name.
func ResolveBinary(name string) (string, error) {
	if filepath.IsAbs(name) || filepath.Base(name) != name {
		if info, err := os.Stat(name); err != nil || info.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
		}
		return name, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, name, err)
	}

	return path, nil
}

// BinaryPath returns the resolved binary.
func (e *Executor) BinaryPath() string {
	return e.binaryPath
}

// Execute runs the command with the executor timeout and returns output.
func (e *Executor) Execute(ctx context.Context, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	return e.ExecuteWithTimeout(ctx, e.timeout, args, stdin)
}

// ExecuteWithTimeout runs the command with an explicit timeout.
func (e *Executor) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return e.runner.Run(ctx, e.binaryPath, args, stdin)
}

// Spawn starts a long-running process that lives until ctx is canceled or it
// exits on its own. No executor timeout applies.
func (e *Executor) Spawn(ctx context.Context, args []string, stdin io.Reader) (stdout, stderr io.ReadCloser, wait func() error, err error) {
	stdout, stderr, wait, err = e.runner.Start(ctx, e.binaryPath, args, stdin)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("executor: failed to start command: %w", err)
	}

	return stdout, stderr, wait, nil
}
