package shell

import (
	"errors"
	"fmt"
	"strings"
)

// Operations reported in RemoteShellError.Op.
const (
	OpConnect  = "connect"
	OpCommand  = "command"
	OpTransfer = "transfer"
)

// ErrClosed is returned by operations on a session after Close.
var ErrClosed = errors.New("shell session closed")

// RemoteShellError reports a failed connect, command or file transfer.
// Command failures carry the command, its exit status and captured stderr.
type RemoteShellError struct {
	Op         string
	Host       string
	Command    string
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *RemoteShellError) Error() string {
	switch {
	case e.Op == OpCommand && e.Err == nil:
		msg := fmt.Sprintf("remote command %q on %s exited with status %d", e.Command, e.Host, e.ExitStatus)
		if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		return msg
	case e.Command != "":
		return fmt.Sprintf("remote %s %q on %s failed: %v", e.Op, e.Command, e.Host, e.Err)
	default:
		return fmt.Sprintf("remote %s to %s failed: %v", e.Op, e.Host, e.Err)
	}
}

func (e *RemoteShellError) Unwrap() error {
	return e.Err
}

// ExitStatusOf returns the remote exit status carried by err, or -1.
func ExitStatusOf(err error) int {
	var rerr *RemoteShellError
	if errors.As(err, &rerr) && rerr.Op == OpCommand && rerr.Err == nil {
		return rerr.ExitStatus
	}
	return -1
}
