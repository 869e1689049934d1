package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hkuds/vmpool/internal/retry"
	"github.com/hkuds/vmpool/internal/shell"
)

// Guest environment variables exported to the in-guest services.
const (
	EnvSharedDir  = "VMPOOL_SHARED_DIR"
	EnvLogFile    = "VMPOOL_LOG_FILE"
	EnvPortPrefix = "VMPOOL_PORT_"
)

// AwaitShellReady polls a trivial remote command until the guest answers or
// timeout elapses.
func (m *Manager) AwaitShellReady(ctx context.Context, timeout, interval time.Duration) error {
	if err := m.requireRunning("await shell"); err != nil {
		return err
	}

	start := time.Now()
	err := retry.Poll(ctx, timeout, interval, func(ctx context.Context) error {
		_, err := m.shell.Exec(ctx, "true", shell.ExecOptions{})
		return err
	})
	if err != nil {
		return m.fail(&shell.RemoteShellError{
			Op:   shell.OpConnect,
			Host: m.Endpoint(PortSSH),
			Err:  fmt.Errorf("guest shell not ready within %s: %w", timeout, err),
		})
	}

	log.Info().Str("instance", m.cfg.Name()).Dur("elapsed", time.Since(start)).Msg("guest shell ready")
	return nil
}

// MountSharedStorage mounts the shared dir inside the guest. A mount that is
// already in place counts as success.
func (m *Manager) MountSharedStorage(ctx context.Context) error {
	if err := m.requireRunning("mount shared storage"); err != nil {
		return err
	}

	cmd := m.mountCommand()
	err := retry.Poll(ctx, m.opts.MountTimeout, m.opts.MountInterval, func(ctx context.Context) error {
		_, err := m.shell.Exec(ctx, cmd, shell.ExecOptions{AsRoot: true})
		if err != nil && alreadyMounted(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return m.fail(fmt.Errorf("failed to mount shared storage at %s: %w", m.opts.GuestSharedDir, err))
	}

	log.Info().Str("instance", m.cfg.Name()).Str("mountpoint", m.opts.GuestSharedDir).Msg("shared storage mounted")
	return nil
}

func (m *Manager) mountCommand() string {
	target := shell.Quote(m.opts.GuestSharedDir)
	tag := shell.Quote(m.opts.SharedTag)

	var mount string
	switch m.opts.MountTransport {
	case "virtiofs":
		mount = fmt.Sprintf("mount -t virtiofs %s %s", tag, target)
	default:
		mount = fmt.Sprintf("mount -t 9p -o trans=virtio,version=9p2000.L %s %s", tag, target)
	}
	return fmt.Sprintf("mountpoint -q %s || { mkdir -p %s && %s; }", target, target, mount)
}

func alreadyMounted(err error) bool {
	var rerr *shell.RemoteShellError
	if !errors.As(err, &rerr) {
		return false
	}
	return strings.Contains(strings.ToLower(rerr.Stderr), "already mounted")
}

// DeployAndStartServices uploads the service tree, marks the start script
// executable and launches it in the background with RuntimeEnv. Nothing happens
// when no start script is configured.
func (m *Manager) DeployAndStartServices(ctx context.Context) error {
	if err := m.requireRunning("deploy services"); err != nil {
		return err
	}
	if m.opts.StartScript == "" {
		log.Debug().Str("instance", m.cfg.Name()).Msg("no services configured")
		return nil
	}

	if m.opts.ServiceDir != "" {
		if err := m.shell.TransferDirectory(ctx, m.opts.ServiceDir, m.opts.GuestServiceDir, m.opts.ServiceExclude); err != nil {
			return m.fail(err)
		}
	}

	script := path.Join(m.opts.GuestServiceDir, filepath.ToSlash(m.opts.StartScript))
	if _, err := m.shell.Exec(ctx, "chmod +x "+shell.Quote(script), shell.ExecOptions{AsRoot: m.opts.ServiceAsRoot}); err != nil {
		return m.fail(err)
	}

	launch := fmt.Sprintf("mkdir -p %s && %s >> %s 2>&1",
		shell.Quote(path.Dir(m.opts.ServiceLogFile)), shell.Quote(script), shell.Quote(m.opts.ServiceLogFile))
	_, err := m.shell.Exec(ctx, launch, shell.ExecOptions{
		Dir:        m.opts.GuestServiceDir,
		Env:        m.RuntimeEnv(),
		AsRoot:     m.opts.ServiceAsRoot,
		Background: true,
	})
	if err != nil {
		return m.fail(err)
	}

	log.Info().Str("instance", m.cfg.Name()).Str("script", script).Msg("services started")
	return nil
}

// RuntimeEnv returns the environment the in-guest services run with.
func (m *Manager) RuntimeEnv() map[string]string {
	env := map[string]string{
		EnvSharedDir: m.opts.GuestSharedDir,
		EnvLogFile:   m.opts.ServiceLogFile,
		"DISPLAY":    m.opts.Display,
		"XAUTHORITY": m.opts.XAuthority,
	}
	for key, port := range m.opts.GuestPorts {
		env[EnvPortPrefix+envName(key)] = strconv.Itoa(port)
	}
	maps.Copy(env, m.opts.ServiceEnv)
	return env
}

func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, key)
}

// HealthEndpoints returns the URLs AwaitServiceHealth polls.
func (m *Manager) HealthEndpoints() []string {
	urls := make([]string, 0, len(m.opts.HealthChecks))
	for _, hc := range m.opts.HealthChecks {
		if ep := m.Endpoint(hc.PortKey); ep != "" {
			urls = append(urls, "http://"+ep+hc.Path)
		}
	}
	return urls
}

// AwaitServiceHealth polls every health endpoint until all answer 200 or
// timeout elapses. On failure the tail of the service log is logged and
// attached to the returned *ServiceHealthError.
func (m *Manager) AwaitServiceHealth(ctx context.Context, timeout, interval time.Duration) error {
	if err := m.requireRunning("check service health"); err != nil {
		return err
	}
	endpoints := m.HealthEndpoints()
	if len(endpoints) == 0 {
		return nil
	}

	start := time.Now()
	err := retry.Poll(ctx, timeout, interval, func(ctx context.Context) error {
		for _, url := range endpoints {
			if err := m.probe(ctx, url); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		log.Info().Str("instance", m.cfg.Name()).Dur("elapsed", time.Since(start)).Msg("services healthy")
		return nil
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	logTail, lerr := m.ReadServiceLog(logCtx, m.opts.LogTailLines)
	if lerr != nil {
		log.Warn().Err(lerr).Str("instance", m.cfg.Name()).Msg("failed to read service log")
	}
	log.Error().Err(err).
		Str("instance", m.cfg.Name()).
		Strs("endpoints", endpoints).
		Str("log_tail", logTail).
		Msg("services did not become healthy")

	return m.fail(&ServiceHealthError{
		Instance:  m.cfg.Name(),
		Endpoints: slices.Clone(endpoints),
		LogTail:   logTail,
		Err:       err,
	})
}

func (m *Manager) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return nil
}

// ReadServiceLog returns the last lines of the guest service log.
func (m *Manager) ReadServiceLog(ctx context.Context, lines int) (string, error) {
	if lines <= 0 {
		lines = m.opts.LogTailLines
	}
	cmd := fmt.Sprintf("tail -n %d %s", lines, shell.Quote(m.opts.ServiceLogFile))
	res, err := m.shell.Exec(ctx, cmd, shell.ExecOptions{AsRoot: m.opts.ServiceAsRoot})
	if err != nil {
		return res.Stdout, fmt.Errorf("failed to read service log: %w", err)
	}
	return res.Stdout, nil
}
