package sandbox

import (
	"fmt"
	"strings"
)

// ConfigValidationError reports an Options field that failed validation.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid sandbox config: %s: %s", e.Field, e.Reason)
}

// ContainerCreationError reports a failure to bring a container to running.
type ContainerCreationError struct {
	Name string
	Err  error
}

func (e *ContainerCreationError) Error() string {
	return fmt.Sprintf("failed to create container %s: %v", e.Name, e.Err)
}

func (e *ContainerCreationError) Unwrap() error { return e.Err }

// ContainerOperationError reports a failed docker call on an existing container.
type ContainerOperationError struct {
	Op   string
	Name string
	Err  error
}

func (e *ContainerOperationError) Error() string {
	return fmt.Sprintf("failed to %s container %s: %v", e.Op, e.Name, e.Err)
}

func (e *ContainerOperationError) Unwrap() error { return e.Err }

// ServiceHealthError reports in-guest services that never became healthy.
// LogTail holds the end of the guest service log at the time of failure.
type ServiceHealthError struct {
	Instance  string
	Endpoints []string
	LogTail   string
	Err       error
}

func (e *ServiceHealthError) Error() string {
	return fmt.Sprintf("services on %s not healthy (%s): %v", e.Instance, strings.Join(e.Endpoints, ", "), e.Err)
}

func (e *ServiceHealthError) Unwrap() error { return e.Err }
