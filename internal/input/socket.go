package input

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/config"
)

// authTimeout bounds the credential handshake on a fresh connection.
const authTimeout = 5 * time.Second

// lineBuffer is the capacity of the shared line channel. Connection
// readers block against it when pulls fall behind.
const lineBuffer = 4096

// Listener accepts line-oriented TCP connections and buffers their
// lines for the polling loop. Pull drains the buffer without blocking.
type Listener struct {
	addr     string
	log      *logrus.Entry
	auth     string
	response string

	ln    net.Listener
	lines chan string

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewListener binds the configured address and starts accepting. When
// reusePort is set the socket is opened with SO_REUSEPORT so several
// workers can share one address.
func NewListener(cfg config.InputConfig, reusePort bool, log *logrus.Entry) (*Listener, error) {
	l := &Listener{
		addr:     cfg.Listen,
		log:      log.WithField("listen", cfg.Listen),
		auth:     cfg.Auth,
		response: cfg.Response,
		lines:    make(chan string, lineBuffer),
		conns:    make(map[net.Conn]struct{}),
	}

	ln, err := listen(cfg.Listen, reusePort)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}

	tlsCfg, err := cfg.TLS.ServerConfig()
	if err != nil {
		ln.Close()
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	l.ln = ln

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// Name returns the listen address.
func (l *Listener) Name() string {
	return l.addr
}

// Pull drains up to max buffered lines. It never blocks; an empty
// buffer yields a nil slice.
func (l *Listener) Pull(max int) ([]string, error) {
	var lines []string
	for len(lines) < max {
		select {
		case line := <-l.lines:
			lines = append(lines, line)
		default:
			return lines, nil
		}
	}
	return lines, nil
}

// acceptLoop hands each inbound connection to its own reader.
func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			l.log.Warnf("accept failed: %v", err)
			continue
		}

		if !l.track(conn) {
			conn.Close()
			return
		}
		l.wg.Add(1)
		go l.serve(conn)
	}
}

// track registers a live connection, refusing it when the listener is
// already shutting down.
func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

// serve runs the handshake and then feeds the connection's lines into
// the shared buffer. The optional response string is echoed after every
// accepted line.
func (l *Listener) serve(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)

	if l.auth != "" {
		if !l.handshake(conn, reader, peer) {
			return
		}
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		l.lines <- strings.TrimRight(line, "\r\n")

		if l.response != "" {
			if _, err := conn.Write([]byte(l.response + "\n")); err != nil {
				return
			}
		}
	}
}

// handshake reads the first line as a credential within the auth
// timeout and answers 1 for a match, 0 otherwise. Mismatch and timeout
// both drop the connection.
func (l *Listener) handshake(conn net.Conn, reader *bufio.Reader, peer string) bool {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	line, err := reader.ReadString('\n')
	if err != nil {
		l.log.Warnf("auth handshake from %s failed: %v", peer, err)
		return false
	}

	if strings.TrimRight(line, "\r\n") != l.auth {
		l.log.Warnf("auth rejected for %s", peer)
		conn.Write([]byte("0\n"))
		return false
	}

	if _, err := conn.Write([]byte("1\n")); err != nil {
		return false
	}
	return true
}

// Close stops accepting, severs live connections and waits for all
// reader goroutines to exit.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	err := l.ln.Close()
	l.wg.Wait()
	return err
}
