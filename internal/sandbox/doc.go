// Package sandbox runs disposable VM sandboxes packaged as docker containers.
//
// An instance is described by an InstanceConfig, built from Options:
//
//	opts := sandbox.DefaultOptions().
//	    WithName("vm", true).
//	    WithRootDir("/var/lib/vmpool").
//	    WithHostPorts(ports.Map{"ssh": 20000, "vnc": 20001, "exec": 20002, "health": 20003}).
//	    WithSSH("root", "secret", "").
//	    WithServices("./services", "start.sh")
//
//	cfg, err := sandbox.NewInstanceConfig(opts)
//
// NewInstanceConfig validates everything up front and creates the per-instance
// snapshot and shared directories under <root>/instances/<name>. The base disk
// images under <root>/base are never written to; each instance boots from its
// own copy.
//
// # Lifecycle
//
// A Manager drives one instance through
//
//	INITIALIZING -> CREATING -> RUNNING -> STOPPING -> STOPPED
//
// with ERROR reachable from any active state. Setup runs the steps in order:
// create the container, wait for the guest shell, mount the shared directory,
// deploy and start the guest services, and wait for their health endpoints.
// A failed Setup removes the container and the instance storage unless
// CleanupOnFailure is off. Teardown never fails and can be called repeatedly.
//
// NewManager adopts a running container with the same name, so a restarted
// controller picks up where it left off.
package sandbox
