package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// Stages reported in ExecutionProtocolError.Stage.
const (
	StageSession = "session"
	StageConnect = "connect"
	StageInstall = "install"
	StageExecute = "execute"
	StageDecode  = "decode"
)

// ExecutionProtocolError reports a failed execution. When the code itself
// raised, EName, EValue and Traceback describe the exception.
type ExecutionProtocolError struct {
	Stage     string
	EName     string
	EValue    string
	Traceback []string
	Err       error
}

func (e *ExecutionProtocolError) Error() string {
	if e.EName != "" {
		return fmt.Sprintf("execution raised %s: %s", e.EName, e.EValue)
	}
	return fmt.Sprintf("execution failed during %s: %v", e.Stage, e.Err)
}

func (e *ExecutionProtocolError) Unwrap() error { return e.Err }

var exceptionLine = regexp.MustCompile(`^([A-Za-z_][\w.]*(?:Error|Exception|Exit|Interrupt|Warning)|StopIteration)(?::\s?(.*))?$`)

// raisedError builds an ExecutionProtocolError from interpreter stderr.
func raisedError(stderr string, exitCode int) *ExecutionProtocolError {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	tb := lines
	for i, l := range lines {
		if strings.HasPrefix(l, "Traceback (most recent call last)") {
			tb = lines[i:]
			break
		}
	}

	perr := &ExecutionProtocolError{
		Stage:     StageExecute,
		Traceback: tb,
		Err:       fmt.Errorf("interpreter exited with status %d", exitCode),
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		if m := exceptionLine.FindStringSubmatch(strings.TrimSpace(lines[i])); m != nil {
			perr.EName, perr.EValue = m[1], m[2]
		}
		break
	}
	return perr
}
