package shell

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkuds/vmpool/internal/retry"
)

func TestExecCapturesOutput(t *testing.T) {
	srv := newTestServer(t, func(cmd string) (string, string, int) {
		return "hello\n", "", 0
	})
	s := New(srv.clientConfig(t))
	defer s.Close()

	res, err := s.Exec(context.Background(), "echo hello", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitStatus)
}

func TestExecNonZeroExitCarriesStatusAndStderr(t *testing.T) {
	for _, status := range []int{1, 2, 127} {
		t.Run(fmt.Sprintf("status %d", status), func(t *testing.T) {
			srv := newTestServer(t, func(cmd string) (string, string, int) {
				return "partial", "no such file", status
			})
			s := New(srv.clientConfig(t))
			defer s.Close()

			res, err := s.Exec(context.Background(), "cat /missing", ExecOptions{})
			require.Error(t, err)

			var rerr *RemoteShellError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, OpCommand, rerr.Op)
			assert.Equal(t, status, rerr.ExitStatus)
			assert.Equal(t, "no such file", rerr.Stderr)
			assert.Equal(t, "cat /missing", rerr.Command)
			assert.Equal(t, status, ExitStatusOf(err))
			assert.Equal(t, "partial", res.Stdout)
		})
	}
}

func TestExecBuildsScript(t *testing.T) {
	srv := newTestServer(t, nil)
	s := New(srv.clientConfig(t))
	defer s.Close()

	_, err := s.Exec(context.Background(), "./start.sh", ExecOptions{
		Dir: "/opt/svc",
		Env: map[string]string{"B": "two words", "A": "it's"},
	})
	require.NoError(t, err)

	cmds := srv.executed()
	require.Len(t, cmds, 1)
	assert.Equal(t, `export A='it'"'"'s'; export B='two words'; cd '/opt/svc' && ./start.sh`, cmds[0])
}

func TestExecAsRootUsesSudo(t *testing.T) {
	srv := newTestServer(t, nil)
	s := New(srv.clientConfig(t))
	defer s.Close()

	_, err := s.Exec(context.Background(), "mount -a", ExecOptions{AsRoot: true})
	require.NoError(t, err)

	cmds := srv.executed()
	require.Len(t, cmds, 1)
	assert.Equal(t, `echo 'secret' | sudo -S -p '' sh -c 'mount -a'`, cmds[0])
}

func TestExecBackgroundDetaches(t *testing.T) {
	srv := newTestServer(t, nil)
	s := New(srv.clientConfig(t))
	defer s.Close()

	_, err := s.Exec(context.Background(), "./daemon", ExecOptions{Background: true})
	require.NoError(t, err)

	cmds := srv.executed()
	require.Len(t, cmds, 1)
	assert.True(t, strings.HasPrefix(cmds[0], "nohup sh -c "), cmds[0])
	assert.True(t, strings.HasSuffix(cmds[0], "> /dev/null 2>&1 &"), cmds[0])
}

func TestExecRejectsBadEnvName(t *testing.T) {
	s := New(DefaultConfig("127.0.0.1"))
	_, err := s.Exec(context.Background(), "true", ExecOptions{Env: map[string]string{"BAD-NAME": "x"}})
	require.Error(t, err)
	var rerr *RemoteShellError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, OpCommand, rerr.Op)
}

func TestSessionReusesConnection(t *testing.T) {
	srv := newTestServer(t, nil)
	s := New(srv.clientConfig(t))
	defer s.Close()

	for i := 0; i < 3; i++ {
		_, err := s.Exec(context.Background(), "true", ExecOptions{})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, srv.conns.Load())
}

func TestIdleSessionReconnectsTransparently(t *testing.T) {
	srv := newTestServer(t, nil)
	cfg := srv.clientConfig(t)
	cfg.IdleTimeout = 30 * time.Millisecond
	s := New(cfg)
	defer s.Close()

	_, err := s.Exec(context.Background(), "true", ExecOptions{})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = s.Exec(context.Background(), "true", ExecOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.conns.Load())
}

func TestDeadConnectionReconnects(t *testing.T) {
	srv := newTestServer(t, nil)
	s := New(srv.clientConfig(t))
	defer s.Close()

	_, err := s.Exec(context.Background(), "true", ExecOptions{})
	require.NoError(t, err)

	srv.dropConnections()
	time.Sleep(20 * time.Millisecond)

	_, err = s.Exec(context.Background(), "true", ExecOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.conns.Load())
}

func TestConnectExhaustsRetries(t *testing.T) {
	srv := newTestServer(t, nil)
	cfg := srv.clientConfig(t)
	cfg.Password = "wrong"
	cfg.Retry = retry.Exponential(2, time.Millisecond, time.Millisecond)
	s := New(cfg)
	defer s.Close()

	_, err := s.Connect(context.Background())
	require.Error(t, err)

	var rerr *RemoteShellError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, OpConnect, rerr.Op)
	assert.ErrorIs(t, err, retry.ErrExhausted)
}

func TestConnectWithoutCredentialsFailsFast(t *testing.T) {
	srv := newTestServer(t, nil)
	cfg := srv.clientConfig(t)
	cfg.Password = ""
	cfg.Retry = retry.Exponential(5, time.Second, time.Second)
	s := New(cfg)

	start := time.Now()
	_, err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSettleDelayOnlyBeforeFirstConnect(t *testing.T) {
	srv := newTestServer(t, nil)
	cfg := srv.clientConfig(t)
	cfg.SettleDelay = 100 * time.Millisecond
	cfg.IdleTimeout = time.Millisecond
	s := New(cfg)
	defer s.Close()

	start := time.Now()
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	start = time.Now()
	_, err = s.Connect(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestSettleDelayNotRepeatedAfterFailedConnect(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	cfg := DefaultConfig("127.0.0.1")
	cfg.Port = addr.Port
	cfg.Password = "pw"
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.SettleDelay = 200 * time.Millisecond
	cfg.Retry = retry.Exponential(1, time.Millisecond, time.Millisecond)
	s := New(cfg)
	defer s.Close()

	start := time.Now()
	for range 3 {
		_, err := s.Connect(context.Background())
		require.Error(t, err)
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newTestServer(t, nil)
	s := New(srv.clientConfig(t))

	_, err := s.Exec(context.Background(), "true", ExecOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Exec(context.Background(), "true", ExecOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExecStreamEmitsLines(t *testing.T) {
	srv := newTestServer(t, func(cmd string) (string, string, int) {
		return "one\r\ntwo\r\nthree\r\n", "warn\n", 3
	})
	s := New(srv.clientConfig(t))
	defer s.Close()

	var mu sync.Mutex
	got := map[Stream][]string{}
	code, err := s.ExecStream(context.Background(), "make", StreamOptions{
		OnLine: func(stream Stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			got[stream] = append(got[stream], line)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, []string{"one", "two", "three"}, got[Stdout])
	assert.Equal(t, []string{"warn"}, got[Stderr])

	srv.mu.Lock()
	ptys := srv.ptys
	srv.mu.Unlock()
	assert.Equal(t, 1, ptys)
}

func TestExecStreamTailKeepsLastLines(t *testing.T) {
	var out strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&out, "line %d\n", i)
	}
	srv := newTestServer(t, func(cmd string) (string, string, int) {
		return out.String(), "", 0
	})
	s := New(srv.clientConfig(t))
	defer s.Close()

	var got []string
	code, err := s.ExecStream(context.Background(), "long-job", StreamOptions{
		TailLines: 3,
		OnLine: func(stream Stream, line string) {
			got = append(got, line)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"line 8", "line 9", "line 10"}, got)
}

func TestTransferDirectory(t *testing.T) {
	srv := newTestServer(t, nil)
	s := New(srv.clientConfig(t))
	defer s.Close()

	local := t.TempDir()
	writeFile(t, filepath.Join(local, "start.sh"), "#!/bin/sh\necho hi\n", 0755)
	writeFile(t, filepath.Join(local, "app", "server.py"), "print('x')\n", 0644)
	writeFile(t, filepath.Join(local, "app", "__pycache__", "server.pyc"), "junk", 0644)
	writeFile(t, filepath.Join(local, ".git", "HEAD"), "ref", 0644)
	writeFile(t, filepath.Join(local, "notes.log"), "log", 0644)

	remote := filepath.Join(t.TempDir(), "deep", "guest", "svc")
	err := s.TransferDirectory(context.Background(), local, filepath.ToSlash(remote), []string{".git", "__pycache__", "*.log"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(remote, "app", "server.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('x')\n", string(data))

	info, err := os.Stat(filepath.Join(remote, "start.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	for _, skipped := range []string{".git", filepath.Join("app", "__pycache__"), "notes.log"} {
		_, err := os.Stat(filepath.Join(remote, skipped))
		assert.True(t, errors.Is(err, os.ErrNotExist), "%s should be excluded", skipped)
	}
}

func TestTransferDirectoryMissingSource(t *testing.T) {
	s := New(DefaultConfig("127.0.0.1"))
	err := s.TransferDirectory(context.Background(), filepath.Join(t.TempDir(), "nope"), "/tmp/x", nil)
	var rerr *RemoteShellError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, OpTransfer, rerr.Op)
}

func TestExcluded(t *testing.T) {
	tests := []struct {
		rel     string
		exclude []string
		want    bool
	}{
		{"node_modules", []string{"node_modules"}, true},
		{"node_modules/x/y.js", []string{"node_modules"}, true},
		{"node_modules_extra/y.js", []string{"node_modules"}, false},
		{"a/b/c.pyc", []string{"*.pyc"}, true},
		{"a/b/c.py", []string{"*.pyc"}, false},
		{"a/b", []string{"/a/"}, true},
		{"anything", nil, false},
	}
	for _, tt := range tests {
		if got := excluded(tt.rel, tt.exclude); got != tt.want {
			t.Errorf("excluded(%q, %v) = %v, want %v", tt.rel, tt.exclude, got, tt.want)
		}
	}
}

func TestTail(t *testing.T) {
	tl := newTail(2)
	assert.Empty(t, tl.lines())
	tl.add("a")
	assert.Equal(t, []string{"a"}, tl.lines())
	tl.add("b")
	tl.add("c")
	assert.Equal(t, []string{"b", "c"}, tl.lines())
	assert.Nil(t, newTail(0))
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
}
