package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hkuds/vmpool/internal/ports"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.Image != DefaultImage {
		t.Errorf("Image = %q, want %q", opts.Image, DefaultImage)
	}
	if opts.CPUs != DefaultCPUs {
		t.Errorf("CPUs = %d, want %d", opts.CPUs, DefaultCPUs)
	}
	if opts.RAMSize != DefaultRAMSize {
		t.Errorf("RAMSize = %q, want %q", opts.RAMSize, DefaultRAMSize)
	}
	if opts.GuestPorts[PortSSH] != 22 {
		t.Errorf("GuestPorts[ssh] = %d, want 22", opts.GuestPorts[PortSSH])
	}
	if !opts.CleanupOnFailure {
		t.Error("CleanupOnFailure should be true by default")
	}
	if len(opts.HealthChecks) != 1 || opts.HealthChecks[0].Path != "/health" {
		t.Errorf("HealthChecks = %+v, want one /health check", opts.HealthChecks)
	}
}

func TestOptionsWithMethods(t *testing.T) {
	opts := DefaultOptions().
		WithImage("example/vm:1").
		WithName("box", true).
		WithResources(4, "8G", "100G").
		WithEnv("KEY", "value").
		WithServiceEnv("MODE", "test").
		WithGuestPort("api", 9000).
		WithRestartPolicy("unless-stopped").
		WithRecreate(true)

	if opts.Image != "example/vm:1" {
		t.Errorf("Image = %q, want %q", opts.Image, "example/vm:1")
	}
	if opts.Name != "box" || !opts.UniqueName {
		t.Errorf("Name = %q unique=%v, want box unique=true", opts.Name, opts.UniqueName)
	}
	if opts.CPUs != 4 || opts.RAMSize != "8G" || opts.DiskSize != "100G" {
		t.Errorf("resources = %d/%s/%s, want 4/8G/100G", opts.CPUs, opts.RAMSize, opts.DiskSize)
	}
	if opts.Env["KEY"] != "value" {
		t.Errorf("Env[KEY] = %q, want value", opts.Env["KEY"])
	}
	if opts.ServiceEnv["MODE"] != "test" {
		t.Errorf("ServiceEnv[MODE] = %q, want test", opts.ServiceEnv["MODE"])
	}
	if opts.GuestPorts["api"] != 9000 {
		t.Errorf("GuestPorts[api] = %d, want 9000", opts.GuestPorts["api"])
	}
	if !opts.Recreate {
		t.Error("Recreate should be true")
	}
}

func TestOptionsWithMethodsDoNotAlias(t *testing.T) {
	base := DefaultOptions().WithEnv("A", "1")
	derived := base.WithEnv("B", "2").WithGuestPort("api", 9000)

	if _, ok := base.Env["B"]; ok {
		t.Error("WithEnv modified the receiver's map")
	}
	if _, ok := base.GuestPorts["api"]; ok {
		t.Error("WithGuestPort modified the receiver's map")
	}
	if _, ok := DefaultGuestPorts["api"]; ok {
		t.Error("WithGuestPort modified DefaultGuestPorts")
	}
	if derived.Env["A"] != "1" || derived.Env["B"] != "2" {
		t.Errorf("derived Env = %v, want A and B", derived.Env)
	}
}

func TestNewInstanceConfigDerivesPaths(t *testing.T) {
	root := newTestRoot(t)
	cfg, err := NewInstanceConfig(testOptions(root, 20003))
	if err != nil {
		t.Fatalf("NewInstanceConfig() error = %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"BaseImageDir", cfg.BaseImageDir(), filepath.Join(root, "base")},
		{"InstanceDir", cfg.InstanceDir(), filepath.Join(root, "instances", "vm-1")},
		{"SnapshotDir", cfg.SnapshotDir(), filepath.Join(root, "instances", "vm-1", "storage")},
		{"SharedDir", cfg.SharedDir(), filepath.Join(root, "instances", "vm-1", "shared")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}

	for _, dir := range []string{cfg.SnapshotDir(), cfg.SharedDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("%s was not created", dir)
		}
	}

	if cfg.RAMBytes() != 4<<30 {
		t.Errorf("RAMBytes() = %d, want %d", cfg.RAMBytes(), int64(4<<30))
	}
	if cfg.DiskBytes() != 64_000_000_000 {
		t.Errorf("DiskBytes() = %d, want %d", cfg.DiskBytes(), int64(64_000_000_000))
	}
}

func TestNewInstanceConfigUniqueName(t *testing.T) {
	root := newTestRoot(t)
	cfg, err := NewInstanceConfig(testOptions(root, 20003).WithName("vm", true))
	if err != nil {
		t.Fatalf("NewInstanceConfig() error = %v", err)
	}
	if !strings.HasPrefix(cfg.Name(), "vm-") || cfg.Name() == "vm-" {
		t.Errorf("Name() = %q, want vm-<timestamp>", cfg.Name())
	}
	if !namePattern.MatchString(cfg.Name()) {
		t.Errorf("Name() = %q is not a valid container name", cfg.Name())
	}
	if filepath.Base(cfg.InstanceDir()) != cfg.Name() {
		t.Errorf("InstanceDir() = %q, want it to end in %q", cfg.InstanceDir(), cfg.Name())
	}
}

func TestNewInstanceConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, root string, o Options) Options
		field  string
	}{
		{
			name: "missing base image",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithBaseImageFiles("missing.qcow2")
			},
			field: "BaseImageFiles",
		},
		{
			name: "host port zero",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithHostPorts(ports.Map{PortSSH: 0, PortVNC: 20001, PortExec: 20002, PortHealth: 20003})
			},
			field: "HostPorts",
		},
		{
			name: "host port too large",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithHostPorts(ports.Map{PortSSH: 70000, PortVNC: 20001, PortExec: 20002, PortHealth: 20003})
			},
			field: "HostPorts",
		},
		{
			name: "guest port out of range",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithGuestPort(PortExec, 65536)
			},
			field: "GuestPorts",
		},
		{
			name: "guest port without host binding",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithGuestPort("api", 9000)
			},
			field: "HostPorts",
		},
		{
			name: "start script missing",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithServices(newServiceDir(t), "run.sh")
			},
			field: "StartScript",
		},
		{
			name: "start script not executable",
			mutate: func(t *testing.T, root string, o Options) Options {
				dir := newServiceDir(t)
				if err := os.Chmod(filepath.Join(dir, "start.sh"), 0o644); err != nil {
					t.Fatalf("chmod: %v", err)
				}
				return o.WithServices(dir, "start.sh")
			},
			field: "StartScript",
		},
		{
			name: "service dir missing",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithServices(filepath.Join(root, "nope"), "start.sh")
			},
			field: "ServiceDir",
		},
		{
			name: "bad ram size",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithResources(2, "lots", "64G")
			},
			field: "RAMSize",
		},
		{
			name: "bad container name",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithName("-bad name", false)
			},
			field: "Name",
		},
		{
			name: "unknown health port key",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithHealthChecks(HealthCheck{PortKey: "metrics"})
			},
			field: "HealthChecks",
		},
		{
			name: "no ssh credentials",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithSSH("root", "", "")
			},
			field: "SSHPassword",
		},
		{
			name: "unknown restart policy",
			mutate: func(t *testing.T, root string, o Options) Options {
				return o.WithRestartPolicy("sometimes")
			},
			field: "RestartPolicy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newTestRoot(t)
			opts := tt.mutate(t, root, testOptions(root, 20003))

			_, err := NewInstanceConfig(opts)
			var verr *ConfigValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("NewInstanceConfig() error = %v, want *ConfigValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q (%v)", verr.Field, tt.field, verr)
			}
			if _, err := os.Stat(filepath.Join(root, "instances")); !os.IsNotExist(err) {
				t.Error("validation failure created instance directories")
			}
		})
	}
}

func TestInstanceConfigIsImmutable(t *testing.T) {
	root := newTestRoot(t)
	cfg, err := NewInstanceConfig(testOptions(root, 20003).WithEnv("A", "1"))
	if err != nil {
		t.Fatalf("NewInstanceConfig() error = %v", err)
	}

	opts := cfg.Options()
	opts.Env["A"] = "changed"
	opts.GuestPorts[PortSSH] = 2222
	hp := cfg.HostPorts()
	hp[PortSSH] = 1

	if got := cfg.Options().Env["A"]; got != "1" {
		t.Errorf("Env[A] = %q after mutating a copy, want 1", got)
	}
	if got, _ := cfg.GuestPort(PortSSH); got != 22 {
		t.Errorf("GuestPort(ssh) = %d after mutating a copy, want 22", got)
	}
	if got, _ := cfg.HostPort(PortSSH); got != 20000 {
		t.Errorf("HostPort(ssh) = %d after mutating a copy, want 20000", got)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitializing, StateCreating, true},
		{StateCreating, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateRunning, true},
		{StateRunning, StateError, true},
		{StateError, StateStopping, true},
		{StateRunning, StateCreating, false},
		{StateStopped, StateCreating, false},
		{StateError, StateRunning, false},
		{StateStopped, StateInitializing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
