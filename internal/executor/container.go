package executor

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"
)

// ExecAPI is the subset of the docker engine client ContainerExecutor uses.
type ExecAPI interface {
	ContainerExecCreate(ctx context.Context, container string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// ContainerExecutor runs code with the Python interpreter of a running
// container through docker exec.
type ContainerExecutor struct {
	api         ExecAPI
	containerID string

	// Interpreter is the Python binary inside the container.
	// Default: python3
	Interpreter string

	// WorkDir and User are passed to docker exec when set.
	WorkDir string
	User    string

	// Timeout bounds one Run.
	// Default: 30s
	Timeout time.Duration

	// MaxOutputLen caps stdout and stderr each.
	MaxOutputLen int

	mu sync.Mutex
}

var _ Executor = (*ContainerExecutor)(nil)

// NewContainerExecutor creates an executor for the container with the given ID.
func NewContainerExecutor(api ExecAPI, containerID string) *ContainerExecutor {
	return &ContainerExecutor{
		api:          api,
		containerID:  containerID,
		Interpreter:  "python3",
		Timeout:      DefaultLocalTimeout,
		MaxOutputLen: MaxOutputLen,
	}
}

// Kind returns KindContainer.
func (e *ContainerExecutor) Kind() Kind { return KindContainer }

// ContainerID returns the target container.
func (e *ContainerExecutor) ContainerID() string { return e.containerID }

// Run executes req inside the container.
func (e *ContainerExecutor) Run(ctx context.Context, req Request) (Result, error) {
	if req.Code == "" {
		return Result{}, &ExecutionProtocolError{Stage: StageExecute, Err: fmt.Errorf("empty code")}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	execResp, err := e.api.ContainerExecCreate(execCtx, e.containerID, container.ExecOptions{
		Cmd:          []string{e.Interpreter, "-u", "-c", WrapCode(req.Code, req.ResultExpr)},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   e.WorkDir,
		User:         e.User,
	})
	if err != nil {
		return Result{}, &ExecutionProtocolError{Stage: StageSession, Err: fmt.Errorf("failed to create exec: %w", err)}
	}

	attachResp, err := e.api.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return Result{}, &ExecutionProtocolError{Stage: StageConnect, Err: fmt.Errorf("failed to attach to exec: %w", err)}
	}
	defer attachResp.Close()

	limit := e.MaxOutputLen
	if limit <= 0 {
		limit = MaxOutputLen
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	outputDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&limitedWriter{w: &stdoutBuf, limit: limit}, &limitedWriter{w: &stderrBuf, limit: limit}, attachResp.Reader)
		outputDone <- err
	}()

	select {
	case err := <-outputDone:
		if err != nil {
			return Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()},
				&ExecutionProtocolError{Stage: StageExecute, Err: fmt.Errorf("failed to read output: %w", err)}
		}
	case <-execCtx.Done():
		attachResp.Close()
		<-outputDone
		return Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()},
			&ExecutionProtocolError{Stage: StageExecute, Err: fmt.Errorf("execution timed out after %v: %w", e.Timeout, execCtx.Err())}
	}

	stdout, stderr := stdoutBuf.String(), stderrBuf.String()
	inspectResp, err := e.api.ContainerExecInspect(execCtx, execResp.ID)
	if err != nil {
		return Result{Stdout: stdout, Stderr: stderr}, &ExecutionProtocolError{Stage: StageExecute, Err: fmt.Errorf("failed to inspect exec: %w", err)}
	}
	if inspectResp.ExitCode != 0 {
		return Result{Stdout: stdout, Stderr: stderr}, raisedError(stderr, inspectResp.ExitCode)
	}

	log.Debug().Str("container", e.containerID).Msg("container execution finished")
	return BuildResult(req, stdout, stderr)
}

// Close is a no-op; the container belongs to the caller.
func (e *ContainerExecutor) Close(context.Context) error { return nil }
