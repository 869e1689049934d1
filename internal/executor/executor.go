// Package executor defines the code execution capability shared by every
// backend: a host interpreter, a plain container, or a sandbox instance reached
// through the execution bridge.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the backend behind an Executor.
type Kind string

const (
	KindLocal     Kind = "local"
	KindContainer Kind = "container"
	KindSandbox   Kind = "sandbox"
)

// ErrNoResult is returned by Result.Decode when no value was captured.
var ErrNoResult = errors.New("no result value captured")

// Request is one unit of Python code to run.
type Request struct {
	// Code is the source to execute.
	Code string

	// ResultExpr, if set, is evaluated after Code and its JSON encoding is
	// returned in Result.Value.
	ResultExpr string
}

// Result is the outcome of a Run.
type Result struct {
	// Stdout is the program output with the result line removed.
	Stdout string

	// Stderr is the error output, where the backend keeps it separate.
	Stderr string

	// Value is the JSON encoding of ResultExpr, nil when none was requested.
	Value json.RawMessage
}

// Decode unmarshals the captured value into v.
func (r Result) Decode(v any) error {
	if len(r.Value) == 0 {
		return ErrNoResult
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Executor runs code on one backend. Implementations serialize Run calls when
// the backend can only hold one execution at a time.
type Executor interface {
	Kind() Kind
	Run(ctx context.Context, req Request) (Result, error)
	Close(ctx context.Context) error
}

// BuildResult turns raw program output into a Result, extracting the captured value
// when one was requested.
func BuildResult(req Request, stdout, stderr string) (Result, error) {
	clean, value, found, err := ExtractResult(stdout)
	res := Result{Stdout: clean, Stderr: stderr, Value: value}
	if err != nil {
		return res, &ExecutionProtocolError{Stage: StageDecode, Err: err}
	}
	if req.ResultExpr != "" && !found {
		return res, &ExecutionProtocolError{Stage: StageDecode, Err: ErrNoResult}
	}
	return res, nil
}
