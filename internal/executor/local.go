package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Default local execution settings.
const (
	DefaultLocalTimeout = 30 * time.Second
	MaxOutputLen        = 1024 * 1024 // 1MB
)

// LocalExecutor runs code with a Python interpreter on the host. Shell
// commands the code hands to os.system or subprocess pass the command guard
// first.
type LocalExecutor struct {
	// WorkDir is the working directory. If empty, uses the current directory.
	WorkDir string

	// Timeout bounds one Run.
	// Default: 30s
	Timeout time.Duration

	// Interpreters are tried in order; the first found on PATH is used.
	Interpreters []string

	// MaxOutputLen caps stdout and stderr each.
	// Default: 1MB
	MaxOutputLen int

	// Env is added to the inherited environment.
	Env []string

	mu sync.Mutex
}

var _ Executor = (*LocalExecutor)(nil)

// NewLocalExecutor creates a LocalExecutor with default settings.
func NewLocalExecutor(workDir string, timeout time.Duration) *LocalExecutor {
	if timeout <= 0 {
		timeout = DefaultLocalTimeout
	}
	return &LocalExecutor{
		WorkDir:      workDir,
		Timeout:      timeout,
		Interpreters: []string{"python3", "python"},
		MaxOutputLen: MaxOutputLen,
	}
}

// Kind returns KindLocal.
func (e *LocalExecutor) Kind() Kind { return KindLocal }

// Run executes req on the host interpreter, feeding the code through stdin.
func (e *LocalExecutor) Run(ctx context.Context, req Request) (Result, error) {
	if reason := GuardCode(req.Code); reason != "" {
		return Result{}, &ExecutionProtocolError{Stage: StageExecute, Err: errors.New(reason)}
	}

	interp := e.findInterpreter()
	if interp == "" {
		return Result{}, &ExecutionProtocolError{Stage: StageSession, Err: errors.New("no Python interpreter found")}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	command := exec.CommandContext(execCtx, interp, "-u", "-")
	command.Stdin = strings.NewReader(WrapCode(req.Code, req.ResultExpr))

	if e.WorkDir != "" {
		absWorkDir, err := filepath.Abs(e.WorkDir)
		if err != nil {
			return Result{}, fmt.Errorf("invalid working directory: %w", err)
		}
		if _, err := os.Stat(absWorkDir); err != nil {
			return Result{}, fmt.Errorf("working directory does not exist: %w", err)
		}
		command.Dir = absWorkDir
	}
	if len(e.Env) > 0 {
		command.Env = append(os.Environ(), e.Env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	command.Stdout = &limitedWriter{w: &stdoutBuf, limit: e.maxOutput()}
	command.Stderr = &limitedWriter{w: &stderrBuf, limit: e.maxOutput()}

	start := time.Now()
	err := command.Run()
	stdout, stderr := stdoutBuf.String(), stderrBuf.String()

	if execCtx.Err() == context.DeadlineExceeded {
		return Result{Stdout: stdout, Stderr: stderr}, &ExecutionProtocolError{
			Stage: StageExecute,
			Err:   fmt.Errorf("execution timed out after %v: %w", e.Timeout, context.DeadlineExceeded),
		}
	}
	if ctx.Err() != nil {
		return Result{Stdout: stdout, Stderr: stderr}, &ExecutionProtocolError{Stage: StageExecute, Err: ctx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Stdout: stdout, Stderr: stderr}, raisedError(stderr, exitErr.ExitCode())
		}
		return Result{Stdout: stdout, Stderr: stderr}, &ExecutionProtocolError{Stage: StageExecute, Err: err}
	}

	log.Debug().Str("interpreter", interp).Dur("elapsed", time.Since(start)).Msg("local execution finished")
	return BuildResult(req, stdout, stderr)
}

// Close is a no-op; the executor holds no resources between runs.
func (e *LocalExecutor) Close(context.Context) error { return nil }

// IsAvailable reports whether an interpreter is on PATH.
func (e *LocalExecutor) IsAvailable() bool {
	return e.findInterpreter() != ""
}

func (e *LocalExecutor) findInterpreter() string {
	for _, name := range e.Interpreters {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func (e *LocalExecutor) maxOutput() int {
	if e.MaxOutputLen <= 0 {
		return MaxOutputLen
	}
	return e.MaxOutputLen
}

// limitedWriter is a writer that limits the amount of data written.
type limitedWriter struct {
	w       *bytes.Buffer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	originalLen := len(p)

	if lw.written >= lw.limit {
		return originalLen, nil // Silently discard
	}

	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = lw.w.Write(p)
	lw.written += n
	return originalLen, err // Report full length written
}
