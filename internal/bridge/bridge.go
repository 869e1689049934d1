// Package bridge turns an interactive execution service reached over HTTP and
// a websocket channel into a synchronous executor.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hkuds/vmpool/internal/executor"
	"github.com/hkuds/vmpool/internal/retry"
	"github.com/hkuds/vmpool/internal/shell"
)

// Default bridge settings.
const (
	DefaultKernelName  = "python3"
	DefaultUsername    = "vmpool"
	DefaultGracePeriod = 5 * time.Second
)

// ErrClosed is returned by Run after Close or after the channel broke.
var ErrClosed = errors.New("execution bridge closed")

// Owner is torn down when the bridge closes. *sandbox.Manager satisfies it.
type Owner interface {
	Teardown(ctx context.Context, deleteStorage bool)
}

// Options configures Open.
type Options struct {
	// KernelName is sent when creating the session.
	KernelName string

	// Username is stamped on every message header.
	Username string

	// Packages are installed right after the channel opens. Failures are logged.
	Packages []string

	// Retry governs session creation.
	Retry retry.Policy

	// GracePeriod is how long Run waits for a requested result after the
	// service reports idle.
	GracePeriod time.Duration

	// Owner, if set, is torn down by Close.
	Owner              Owner
	DeleteOwnerStorage bool

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func (o *Options) applyDefaults() {
	if o.KernelName == "" {
		o.KernelName = DefaultKernelName
	}
	if o.Username == "" {
		o.Username = DefaultUsername
	}
	if o.Retry.MaxAttempts <= 0 && o.Retry.Timeout <= 0 {
		o.Retry = retry.Exponential(5, time.Second, 10*time.Second)
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Bridge is an executor backed by one remote execution session. Runs are
// serialized: one execution is in flight at a time.
type Bridge struct {
	base      *url.URL
	opts      Options
	sessionID string
	client    string
	conn      *websocket.Conn

	incoming chan message
	readErr  error
	readDone chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ executor.Executor = (*Bridge)(nil)

// Open creates a session on the service at baseURL, connects its channel and
// installs opts.Packages.
func Open(ctx context.Context, baseURL string, opts Options) (*Bridge, error) {
	opts.applyDefaults()

	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, &executor.ExecutionProtocolError{Stage: executor.StageSession, Err: fmt.Errorf("invalid base URL: %w", err)}
	}

	b := &Bridge{
		base:     base,
		opts:     opts,
		client:   uuid.NewString(),
		incoming: make(chan message, 64),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	b.sessionID, err = retry.Do(ctx, opts.Retry, b.createSession)
	if err != nil {
		return nil, &executor.ExecutionProtocolError{Stage: executor.StageSession, Err: err}
	}

	if err := b.connect(ctx); err != nil {
		b.deleteSession(context.WithoutCancel(ctx))
		return nil, &executor.ExecutionProtocolError{Stage: executor.StageConnect, Err: err}
	}
	go b.readLoop()

	log.Info().Str("url", base.String()).Str("session", b.sessionID).Msg("execution session opened")

	if len(opts.Packages) > 0 {
		if err := b.Install(ctx, opts.Packages...); err != nil {
			log.Warn().Err(err).Strs("packages", opts.Packages).Msg("package installation failed")
		}
	}
	return b, nil
}

func (b *Bridge) createSession(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"name": b.opts.KernelName})
	if err != nil {
		return "", retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base.JoinPath("sessions").String(), bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", req.URL.String()).Msg("session create failed, retrying")
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("session create returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode session: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("session create returned no id")
	}
	return out.ID, nil
}

func (b *Bridge) connect(ctx context.Context) error {
	u := *b.base.JoinPath("sessions", b.sessionID, "channel")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := b.opts.Dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", u.String(), err)
	}
	b.conn = conn
	return nil
}

func (b *Bridge) readLoop() {
	defer close(b.readDone)
	defer close(b.incoming)
	for {
		var msg message
		if err := b.conn.ReadJSON(&msg); err != nil {
			b.readErr = err
			return
		}
		select {
		case b.incoming <- msg:
		case <-b.done:
			return
		}
	}
}

// Kind returns KindSandbox.
func (b *Bridge) Kind() executor.Kind { return executor.KindSandbox }

// SessionID returns the remote session id.
func (b *Bridge) SessionID() string { return b.sessionID }

// Run executes req and waits for the service to report idle.
func (b *Bridge) Run(ctx context.Context, req executor.Request) (executor.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return executor.Result{}, &executor.ExecutionProtocolError{Stage: executor.StageExecute, Err: ErrClosed}
	}

	msg, err := newExecuteRequest(b.client, b.opts.Username, executor.WrapCode(req.Code, req.ResultExpr))
	if err != nil {
		return executor.Result{}, &executor.ExecutionProtocolError{Stage: executor.StageExecute, Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = b.conn.SetWriteDeadline(deadline)
	} else {
		_ = b.conn.SetWriteDeadline(time.Time{})
	}
	if err := b.conn.WriteJSON(msg); err != nil {
		return executor.Result{}, &executor.ExecutionProtocolError{Stage: executor.StageExecute, Err: fmt.Errorf("failed to send request: %w", err)}
	}

	var stdout, stderr strings.Builder
	var raised *executor.ExecutionProtocolError
	idle := false
	var grace <-chan time.Time

	for {
		if idle {
			if raised != nil || req.ResultExpr == "" || strings.Contains(stdout.String(), executor.Sentinel) {
				break
			}
			if grace == nil {
				timer := time.NewTimer(b.opts.GracePeriod)
				defer timer.Stop()
				grace = timer.C
			}
		}

		var in message
		var ok bool
		select {
		case in, ok = <-b.incoming:
			if !ok {
				return b.partial(&stdout, &stderr), &executor.ExecutionProtocolError{
					Stage: executor.StageExecute,
					Err:   fmt.Errorf("channel closed: %w", b.channelErr()),
				}
			}
		case <-grace:
			log.Warn().Str("session", b.sessionID).Dur("grace", b.opts.GracePeriod).Msg("result did not arrive after idle")
			return b.finish(req, &stdout, &stderr, nil)
		case <-ctx.Done():
			return b.partial(&stdout, &stderr), &executor.ExecutionProtocolError{Stage: executor.StageExecute, Err: ctx.Err()}
		}

		if in.ParentHeader.MsgID != msg.Header.MsgID {
			continue
		}

		switch in.Header.MsgType {
		case "stream":
			var c streamContent
			if err := json.Unmarshal(in.Content, &c); err != nil {
				continue
			}
			if c.Name == "stderr" {
				stderr.WriteString(c.Text)
			} else {
				stdout.WriteString(c.Text)
			}
		case "execute_result", "display_data":
			var c dataContent
			if err := json.Unmarshal(in.Content, &c); err != nil {
				continue
			}
			if text, ok := c.Data["text/plain"].(string); ok {
				stdout.WriteString(text)
				stdout.WriteString("\n")
			}
		case "error":
			var c errorContent
			if err := json.Unmarshal(in.Content, &c); err != nil {
				continue
			}
			raised = &executor.ExecutionProtocolError{
				Stage:     executor.StageExecute,
				EName:     c.EName,
				EValue:    c.EValue,
				Traceback: stripANSI(c.Traceback),
			}
		case "status":
			var c statusContent
			if err := json.Unmarshal(in.Content, &c); err != nil {
				continue
			}
			if c.ExecutionState == "idle" {
				idle = true
			}
		}
	}

	return b.finish(req, &stdout, &stderr, raised)
}

func (b *Bridge) finish(req executor.Request, stdout, stderr *strings.Builder, raised *executor.ExecutionProtocolError) (executor.Result, error) {
	if raised != nil {
		return b.partial(stdout, stderr), raised
	}
	return executor.BuildResult(req, stdout.String(), stderr.String())
}

func (b *Bridge) partial(stdout, stderr *strings.Builder) executor.Result {
	clean, _, _, _ := executor.ExtractResult(stdout.String())
	return executor.Result{Stdout: clean, Stderr: stderr.String()}
}

func (b *Bridge) channelErr() error {
	<-b.readDone
	if b.readErr != nil {
		return b.readErr
	}
	return ErrClosed
}

// Install installs Python packages into the session.
func (b *Bridge) Install(ctx context.Context, pkgs ...string) error {
	if len(pkgs) == 0 {
		return nil
	}
	quoted := make([]string, len(pkgs))
	for i, p := range pkgs {
		quoted[i] = shell.Quote(p)
	}
	res, err := b.Run(ctx, executor.Request{Code: "%pip install -q " + strings.Join(quoted, " ")})
	if err != nil {
		var perr *executor.ExecutionProtocolError
		if errors.As(err, &perr) {
			perr.Stage = executor.StageInstall
		}
		return err
	}
	log.Info().Str("session", b.sessionID).Strs("packages", pkgs).Int("output_bytes", len(res.Stdout)).Msg("packages installed")
	return nil
}

// Close deletes the remote session, closes the channel and tears down the
// owning instance. It is safe to call more than once.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	close(b.done)
	if b.conn != nil {
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		if err := b.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
		<-b.readDone
	}
	if err := b.deleteSession(ctx); err != nil {
		errs = append(errs, err)
	}
	if b.opts.Owner != nil {
		b.opts.Owner.Teardown(ctx, b.opts.DeleteOwnerStorage)
	}

	log.Info().Str("session", b.sessionID).Msg("execution session closed")
	return errors.Join(errs...)
}

func (b *Bridge) deleteSession(ctx context.Context) error {
	if b.sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.base.JoinPath("sessions", b.sessionID).String(), nil)
	if err != nil {
		return err
	}
	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to delete session: %s", resp.Status)
	}
	return nil
}
