// Package shell keeps one reusable SSH connection (plus an SFTP sub-channel) to a
// sandbox guest and hides reconnects, idle expiry and retry from callers.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/hkuds/vmpool/internal/retry"
)

// Default session settings.
const (
	DefaultPort           = 22
	DefaultUser           = "root"
	DefaultDialTimeout    = 10 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultSettleDelay    = 5 * time.Second
	DefaultConnectRetries = 5
	DefaultRetryBase      = 2 * time.Second
	DefaultRetryCap       = 30 * time.Second
)

// Config describes how to reach one guest.
type Config struct {
	Host string
	Port int
	User string

	// Password or PrivateKeyFile authenticates the user. Both may be set.
	Password       string
	PrivateKeyFile string

	// DialTimeout bounds a single TCP connect plus SSH handshake.
	DialTimeout time.Duration

	// IdleTimeout marks a connection unused for longer as stale.
	IdleTimeout time.Duration

	// SettleDelay is waited once before the very first connection attempt.
	SettleDelay time.Duration

	// Retry governs reconnect attempts.
	Retry retry.Policy

	// HostKeyCallback verifies the guest host key. Nil accepts any key; sandbox
	// guests regenerate their host keys on every boot.
	HostKeyCallback ssh.HostKeyCallback
}

// DefaultConfig returns a Config for host with default settings.
func DefaultConfig(host string) Config {
	return Config{
		Host:        host,
		Port:        DefaultPort,
		User:        DefaultUser,
		DialTimeout: DefaultDialTimeout,
		IdleTimeout: DefaultIdleTimeout,
		SettleDelay: DefaultSettleDelay,
		Retry:       retry.Exponential(DefaultConnectRetries, DefaultRetryBase, DefaultRetryCap),
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Retry.MaxAttempts <= 0 && c.Retry.Timeout <= 0 {
		c.Retry = retry.Exponential(DefaultConnectRetries, DefaultRetryBase, DefaultRetryCap)
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Session is a lazily connected, self-healing SSH session to one guest.
type Session struct {
	cfg Config

	mu            sync.Mutex
	client        *ssh.Client
	sftp          *sftp.Client
	lastUsed time.Time
	settled  bool
	closed   bool
}

// New creates a session. No connection is made until first use.
func New(cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{cfg: cfg}
}

// Addr returns the guest address this session targets.
func (s *Session) Addr() string {
	return s.cfg.Addr()
}

// Connect returns a live client, re-establishing it if the cached one is gone,
// idle for longer than IdleTimeout, or no longer answering keepalives.
func (s *Session) Connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) (*ssh.Client, error) {
	if s.closed {
		return nil, &RemoteShellError{Op: OpConnect, Host: s.Addr(), Err: ErrClosed}
	}

	if s.client != nil {
		idle := time.Since(s.lastUsed)
		if idle <= s.cfg.IdleTimeout && s.alive() {
			s.lastUsed = time.Now()
			return s.client, nil
		}
		log.Debug().Str("host", s.Addr()).Dur("idle", idle).Msg("dropping stale ssh connection")
		s.dropLocked()
	}

	if !s.settled && s.cfg.SettleDelay > 0 {
		log.Debug().Str("host", s.Addr()).Dur("delay", s.cfg.SettleDelay).Msg("waiting for guest to settle")
		select {
		case <-time.After(s.cfg.SettleDelay):
		case <-ctx.Done():
			return nil, &RemoteShellError{Op: OpConnect, Host: s.Addr(), Err: ctx.Err()}
		}
	}
	s.settled = true

	attempt := 0
	client, err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) (*ssh.Client, error) {
		attempt++
		c, err := s.dial(ctx)
		if err != nil {
			log.Debug().Err(err).Str("host", s.Addr()).Int("attempt", attempt).Msg("ssh connect failed")
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, &RemoteShellError{Op: OpConnect, Host: s.Addr(), Err: err}
	}

	s.client = client
	s.lastUsed = time.Now()
	log.Debug().Str("host", s.Addr()).Int("attempts", attempt).Msg("ssh connected")
	return client, nil
}

func (s *Session) dial(ctx context.Context) (*ssh.Client, error) {
	auth, err := s.authMethods()
	if err != nil {
		return nil, retry.Permanent(err)
	}
	hostKey := s.cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.Addr())
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(s.cfg.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, s.Addr(), clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *Session) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if s.cfg.PrivateKeyFile != "" {
		key, err := os.ReadFile(s.cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		methods = append(methods, ssh.Password(s.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}
	return methods, nil
}

func (s *Session) alive() bool {
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// dropLocked closes the SFTP sub-channel and the client.
func (s *Session) dropLocked() {
	if s.sftp != nil {
		_ = s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

func (s *Session) sftpClient(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.connectLocked(ctx)
	if err != nil {
		return nil, err
	}
	if s.sftp == nil {
		sc, err := sftp.NewClient(client)
		if err != nil {
			return nil, &RemoteShellError{Op: OpTransfer, Host: s.Addr(), Err: fmt.Errorf("failed to open sftp channel: %w", err)}
		}
		s.sftp = sc
	}
	return s.sftp, nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// ExecOptions tunes a single Exec call.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Env is exported before the command runs.
	Env map[string]string

	// AsRoot runs the command through sudo unless the session user is root.
	AsRoot bool

	// Background detaches the command and returns as soon as it is launched.
	Background bool
}

// ExecResult holds the outcome of a blocking Exec.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Exec runs one command. In blocking mode a non-zero exit is returned as a
// *RemoteShellError carrying the exit status and stderr.
func (s *Session) Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	script, err := buildScript(command, opts.Dir, opts.Env, opts.AsRoot, s.cfg.User, s.cfg.Password)
	if err != nil {
		return ExecResult{}, &RemoteShellError{Op: OpCommand, Host: s.Addr(), Command: command, Err: err}
	}
	if opts.Background {
		script = backgroundScript(script)
	}

	client, err := s.Connect(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	defer s.touch()

	sess, err := client.NewSession()
	if err != nil {
		return ExecResult{}, &RemoteShellError{Op: OpCommand, Host: s.Addr(), Command: command, Err: fmt.Errorf("failed to open channel: %w", err)}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runErr := runWithContext(ctx, sess, func() error { return sess.Run(script) })
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	status, err := exitStatus(runErr)
	if err != nil {
		return res, &RemoteShellError{Op: OpCommand, Host: s.Addr(), Command: command, Err: err}
	}
	res.ExitStatus = status
	if status != 0 {
		return res, &RemoteShellError{
			Op:         OpCommand,
			Host:       s.Addr(),
			Command:    command,
			ExitStatus: status,
			Stderr:     res.Stderr,
		}
	}
	return res, nil
}

// Stream identifies the output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// StreamOptions tunes ExecStream.
type StreamOptions struct {
	Dir string
	Env map[string]string

	// TailLines, when positive, keeps only the last N lines of each stream and
	// emits them once the command finishes.
	TailLines int

	// OnLine receives output lines. Nil logs them at debug level.
	OnLine func(stream Stream, line string)
}

// ExecStream runs command on a pseudo-terminal, draining both streams while it
// runs, and returns the exit code.
func (s *Session) ExecStream(ctx context.Context, command string, opts StreamOptions) (int, error) {
	script, err := buildScript(command, opts.Dir, opts.Env, false, s.cfg.User, s.cfg.Password)
	if err != nil {
		return -1, &RemoteShellError{Op: OpCommand, Host: s.Addr(), Command: command, Err: err}
	}

	client, err := s.Connect(ctx)
	if err != nil {
		return -1, err
	}
	defer s.touch()

	sess, err := client.NewSession()
	if err != nil {
		return -1, &RemoteShellError{Op: OpCommand, Host: s.Addr(), Command: command, Err: fmt.Errorf("failed to open channel: %w", err)}
	}
	defer sess.Close()

	if err := sess.RequestPty("xterm", 40, 200, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
		return -1, &RemoteShellError{Op: OpCommand, Host: s.Addr(), Command: command, Err: fmt.Errorf("failed to request pty: %w", err)}
	}
	outPipe, err := sess.StdoutPipe()
	if err != nil {
		return -1, &RemoteShellError{Op: OpCommand, Host: s.Addr(), Command: command, Err: err}
	}
	errPipe, err := sess.StderrPipe()
	if err != nil {
		return -1, &RemoteShellError{Op: OpCommand, Host: s.Addr(), Command: command, Err: err}
	}

	emit := opts.OnLine
	if emit == nil {
		emit = func(stream Stream, line string) {
			log.Debug().Str("host", s.Addr()).Str("stream", string(stream)).Msg(line)
		}
	}
	var emitMu sync.Mutex
	safeEmit := func(stream Stream, line string) {
		emitMu.Lock()
		defer emitMu.Unlock()
		emit(stream, line)
	}

	outTail := newTail(opts.TailLines)
	errTail := newTail(opts.TailLines)

	var wg sync.WaitGroup
	drain := func(r io.Reader, stream Stream, tail *tail) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := trimCR(scanner.Text())
			if tail != nil {
				tail.add(line)
				continue
			}
			safeEmit(stream, line)
		}
	}
	wg.Add(2)
	go drain(outPipe, Stdout, outTail)
	go drain(errPipe, Stderr, errTail)

	if err := sess.Start(script); err != nil {
		return -1, &RemoteShellError{Op: OpCommand, Host: s.Addr(), Command: command, Err: err}
	}
	waitErr := runWithContext(ctx, sess, func() error {
		err := sess.Wait()
		wg.Wait()
		return err
	})

	for _, line := range outTail.lines() {
		safeEmit(Stdout, line)
	}
	for _, line := range errTail.lines() {
		safeEmit(Stderr, line)
	}

	status, err := exitStatus(waitErr)
	if err != nil {
		return -1, &RemoteShellError{Op: OpCommand, Host: s.Addr(), Command: command, Err: err}
	}
	return status, nil
}

// Close releases the SFTP sub-channel and the SSH connection. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
	s.closed = true
	return nil
}

// runWithContext runs fn, closing the session if ctx ends first.
func runWithContext(ctx context.Context, sess *ssh.Session, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return ctx.Err()
	}
}

// exitStatus maps a Run/Wait error to an exit status. Errors that are not remote
// exits are returned.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func trimCR(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\r' {
		s = s[:len(s)-1]
	}
	return s
}

// tail is a fixed-size ring of lines. A nil *tail means "do not buffer".
type tail struct {
	buf  []string
	next int
	full bool
}

func newTail(n int) *tail {
	if n <= 0 {
		return nil
	}
	return &tail{buf: make([]string, n)}
}

func (t *tail) add(line string) {
	t.buf[t.next] = line
	t.next = (t.next + 1) % len(t.buf)
	if t.next == 0 {
		t.full = true
	}
}

func (t *tail) lines() []string {
	if t == nil {
		return nil
	}
	if !t.full {
		return append([]string(nil), t.buf[:t.next]...)
	}
	out := make([]string, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}
