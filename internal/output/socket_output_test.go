package output

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/model"
	"github.com/tailship/tailship/internal/testutil"
)

// lineServer is a minimal remote end for the socket sink: it accepts
// connections, answers the credential handshake and acknowledges lines.
type lineServer struct {
	ln    net.Listener
	ack   string
	mu    sync.Mutex
	lines []string
}

func newLineServer(t *testing.T, ack string) *lineServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &lineServer{ln: ln, ack: ack}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *lineServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *lineServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			reader := bufio.NewReader(conn)

			// First line is the credential; any non-empty reply accepts.
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
			conn.Write([]byte("ok\n"))

			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				s.mu.Lock()
				s.lines = append(s.lines, strings.TrimRight(line, "\n"))
				s.mu.Unlock()
				if s.ack != "" {
					conn.Write([]byte(s.ack + "\n"))
				}
			}
		}()
	}
}

func (s *lineServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestSocketPushWithAuthAndAck(t *testing.T) {
	srv := newLineServer(t, "ACCEPTED")

	s, err := NewSocket(config.OutputConfig{
		Hosts:      []string{"127.0.0.1"},
		Port:       srv.port(),
		Auth:       "secret",
		Response:   `^ACCEPTED$`,
		Persistent: true,
		Timeout:    2 * time.Second,
	}, testutil.NewTestLogger())
	require.NoError(t, err)
	defer s.Close()

	env := model.Envelope{Type: "t", Data: []byte(`{"@message":"x"}`)}
	require.NoError(t, s.Push(context.Background(), env))
	require.NoError(t, s.Push(context.Background(), env))

	assert.Equal(t, []string{`{"@message":"x"}`, `{"@message":"x"}`}, srv.received())
}

func TestSocketPushFailsOnWrongAck(t *testing.T) {
	srv := newLineServer(t, "NOPE")

	s, err := NewSocket(config.OutputConfig{
		Hosts:    []string{"127.0.0.1"},
		Port:     srv.port(),
		Auth:     "secret",
		Response: `^ACCEPTED$`,
		Timeout:  500 * time.Millisecond,
	}, testutil.NewTestLogger())
	require.NoError(t, err)
	defer s.Close()

	err = s.Push(context.Background(), model.Envelope{Type: "t", Data: []byte("x")})
	assert.Error(t, err)
}

func TestSocketPushFailsWhenUnreachable(t *testing.T) {
	// Bind and immediately close to get a dead port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s, err := NewSocket(config.OutputConfig{
		Hosts:   []string{"127.0.0.1"},
		Port:    port,
		Timeout: 500 * time.Millisecond,
	}, testutil.NewTestLogger())
	require.NoError(t, err)
	defer s.Close()

	err = s.Push(context.Background(), model.Envelope{Type: "t", Data: []byte("x")})
	assert.Error(t, err)
}

func TestSocketRejectsBadResponsePattern(t *testing.T) {
	_, err := NewSocket(config.OutputConfig{
		Hosts:    []string{"h"},
		Response: "(",
	}, testutil.NewTestLogger())
	assert.Error(t, err)
}
