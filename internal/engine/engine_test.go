package engine

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/metrics"
	"github.com/tailship/tailship/internal/testutil"
)

// sinkServer is a bare TCP endpoint recording newline-delimited payloads.
type sinkServer struct {
	ln    net.Listener
	mu    sync.Mutex
	lines []string
}

func newSinkServer(t *testing.T) *sinkServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sinkServer{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					s.mu.Lock()
					s.lines = append(s.lines, scanner.Text())
					s.mu.Unlock()
				}
			}()
		}
	}()
	return s
}

func (s *sinkServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *sinkServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *sinkServer) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.received(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines, got %v", n, s.received())
	return nil
}

func testConfig(inputs []config.InputConfig, outputs []config.OutputConfig) *config.Config {
	return &config.Config{
		Poll:             500,
		Lines:            100,
		Hostname:         "test-host",
		LogWatchInterval: 5,
		Inputs:           inputs,
		Outputs:          outputs,
	}
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	require.NoError(t, err)
	for _, l := range lines {
		_, err = f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func newTestEngine(t *testing.T, inputs []config.InputConfig, outputs []config.OutputConfig) *Engine {
	t.Helper()
	cfg := testConfig(inputs, outputs)
	e, err := New(cfg, cfg.Inputs, metrics.New(), testutil.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(e.close)
	return e
}

func TestTickDeliversFileLines(t *testing.T) {
	srv := newSinkServer(t)
	path := filepath.Join(t.TempDir(), "app.log")
	writeLines(t, path, "one", "two")

	e := newTestEngine(t,
		[]config.InputConfig{{
			Kind: "file", Type: "app", Format: "plain",
			StartPosition: "begin", Path: []string{path},
		}},
		[]config.OutputConfig{{
			Kind: "socket", Type: "app",
			Hosts: []string{"127.0.0.1"}, Port: srv.port(),
			Persistent: true, Timeout: 2 * time.Second,
		}},
	)

	sleep := e.tick(context.Background())
	assert.Equal(t, time.Duration(0), sleep)

	got := srv.waitFor(t, 2)
	assert.Contains(t, got[0], `"@message":"one"`)
	assert.Contains(t, got[0], `"@source_host":"test-host"`)
	assert.Contains(t, got[1], `"@message":"two"`)
}

func TestTickIdlesWhenInputsAreQuiet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeLines(t, path, "only")

	e := newTestEngine(t,
		[]config.InputConfig{{
			Kind: "file", Type: "app", Format: "plain",
			StartPosition: "begin", Path: []string{path},
		}},
		[]config.OutputConfig{{Kind: "screen", Type: "*", Target: "discard"}},
	)

	assert.Equal(t, time.Duration(0), e.tick(context.Background()))
	assert.Greater(t, e.tick(context.Background()), time.Duration(0))
}

func TestTickStallsBlockedType(t *testing.T) {
	// Bind and close a port so the sink cannot connect.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	path := filepath.Join(t.TempDir(), "app.log")
	writeLines(t, path, "first")

	e := newTestEngine(t,
		[]config.InputConfig{{
			Kind: "file", Type: "app", Format: "plain",
			StartPosition: "begin", Path: []string{path},
		}},
		[]config.OutputConfig{{
			Kind: "socket", Type: "app",
			Hosts: []string{"127.0.0.1"}, Port: deadPort,
			Timeout: 200 * time.Millisecond,
		}},
	)

	e.tick(context.Background())
	assert.True(t, e.router.Blocked("app"))
	assert.Equal(t, 1, e.router.Stashed())

	// New lines stay in the file while the type is stalled.
	writeLines(t, path, "second")
	for _, d := range e.descs {
		d.nextTick = time.Time{}
	}
	e.tick(context.Background())
	assert.Equal(t, 1, e.router.Stashed())
}

func TestGlobDiscoveryAndRetirement(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "*.log")

	e := newTestEngine(t,
		[]config.InputConfig{{
			Kind: "file", Type: "app", Format: "plain", Path: []string{pattern},
		}},
		[]config.OutputConfig{{Kind: "screen", Type: "*", Target: "discard"}},
	)

	ctx := context.Background()
	e.tick(ctx)
	assert.Empty(t, e.descs)

	path := filepath.Join(dir, "web.log")
	writeLines(t, path, "hello")
	e.nextWatch = time.Time{}
	e.tick(ctx)
	require.Len(t, e.descs, 1)
	assert.Equal(t, path, e.descs[0].path)

	// Removing the file retires the descriptor once the grace window runs out.
	require.NoError(t, os.Remove(path))
	for i := 0; i < 30 && len(e.descs) > 0; i++ {
		for _, d := range e.descs {
			d.nextTick = time.Time{}
		}
		e.tick(ctx)
	}
	assert.Empty(t, e.descs)

	// A recreated path is picked up again.
	writeLines(t, path, "back")
	e.nextWatch = time.Time{}
	e.tick(ctx)
	require.Len(t, e.descs, 1)
}

func TestNewRejectsUnknownInputKind(t *testing.T) {
	cfg := testConfig(
		[]config.InputConfig{{Kind: "pigeon", Type: "t"}},
		[]config.OutputConfig{{Kind: "screen", Type: "*", Target: "discard"}},
	)
	_, err := New(cfg, cfg.Inputs, metrics.New(), testutil.NewTestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown input kind")
}

func TestBenchmarkResetsAfterSummary(t *testing.T) {
	b := benchmark{enabled: true, log: testutil.NewTestLogger(), last: time.Now().Add(-2 * time.Second)}
	b.account(10)
	b.account(5)
	require.Equal(t, 2, b.lines)
	require.Equal(t, 15, b.bytes)

	b.flush()
	assert.Equal(t, 0, b.lines)
	assert.Equal(t, 0, b.bytes)
}

func TestBenchmarkDisabledCountsNothing(t *testing.T) {
	b := benchmark{log: testutil.NewTestLogger(), last: time.Now()}
	b.account(10)
	assert.Equal(t, 0, b.lines)
}

func TestWildcardOutputSeesEveryInput(t *testing.T) {
	srv := newSinkServer(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	writeLines(t, a, "from-a")
	writeLines(t, b, "from-b")

	e := newTestEngine(t,
		[]config.InputConfig{
			{Kind: "file", Type: "a", Format: "plain", StartPosition: "begin", Path: []string{a}},
			{Kind: "file", Type: "b", Format: "plain", StartPosition: "begin", Path: []string{b}},
		},
		[]config.OutputConfig{{
			Kind: "socket", Type: "*",
			Hosts: []string{"127.0.0.1"}, Port: srv.port(),
			Persistent: true, Timeout: 2 * time.Second,
		}},
	)

	e.tick(context.Background())
	got := srv.waitFor(t, 2)
	joined := strings.Join(got, "\n")
	assert.Contains(t, joined, "from-a")
	assert.Contains(t, joined, "from-b")
}
