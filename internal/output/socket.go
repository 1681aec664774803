package output

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/model"
)

// Socket ships envelopes as newline-delimited JSON over TCP, with
// optional TLS, a credential handshake and a per-line acknowledgement
// matched against a configured pattern. Hosts rotate on every
// connection attempt, so failover walks the whole list within one push.
type Socket struct {
	log        *logrus.Entry
	ring       *hostRing
	port       int
	auth       string
	response   *regexp.Regexp
	persistent bool
	timeout    time.Duration
	tlsCfg     *tls.Config

	addr   string
	conn   net.Conn
	reader *bufio.Reader
}

// NewSocket builds the sink. TLS material and the acknowledgement
// pattern are loaded eagerly so bad configuration fails at startup.
func NewSocket(cfg config.OutputConfig, log *logrus.Entry) (*Socket, error) {
	tlsCfg, err := cfg.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}

	s := &Socket{
		log:        log.WithField("output", "socket"),
		ring:       newHostRing(cfg.Hosts),
		port:       cfg.Port,
		auth:       cfg.Auth,
		persistent: cfg.Persistent,
		timeout:    cfg.Timeout,
		tlsCfg:     tlsCfg,
	}

	if cfg.Response != "" {
		re, err := regexp.Compile(cfg.Response)
		if err != nil {
			return nil, fmt.Errorf("compiling response pattern %q: %w", cfg.Response, err)
		}
		s.response = re
	}

	return s, nil
}

// Name identifies the sink by its current target.
func (s *Socket) Name() string {
	if s.addr == "" {
		return "socket://" + net.JoinHostPort(s.ring.peek(), strconv.Itoa(s.port))
	}
	return "socket://" + s.addr
}

// Push writes one envelope and, when an acknowledgement pattern is
// configured, requires a matching reply. All steps share one deadline;
// each failure drops the connection and retries the next host.
func (s *Socket) Push(ctx context.Context, env model.Envelope) error {
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var lastErr error
	for attempt := 0; attempt <= s.ring.size(); attempt++ {
		if time.Now().After(deadline) {
			break
		}
		if s.conn == nil {
			if err := s.connect(deadline); err != nil {
				lastErr = err
				s.log.Warnf("%v", err)
				continue
			}
		}
		if err := s.send(env, deadline); err != nil {
			lastErr = err
			s.log.Warnf("delivery to %s failed: %v", s.addr, err)
			s.drop()
			continue
		}
		if !s.persistent {
			s.drop()
		}
		return nil
	}
	return fmt.Errorf("socket push: %w", lastErr)
}

func (s *Socket) send(env model.Envelope, deadline time.Time) error {
	s.conn.SetDeadline(deadline)
	if _, err := s.conn.Write(append(env.Data, '\n')); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}

	if s.response != nil {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading acknowledgement: %w", err)
		}
		if !s.response.MatchString(strings.TrimRight(line, "\r\n")) {
			return fmt.Errorf("unexpected acknowledgement %q", strings.TrimRight(line, "\r\n"))
		}
	}
	return nil
}

// connect dials the next host in the rotation and, when a credential is
// configured, sends it and accepts any non-empty reply line.
func (s *Socket) connect(deadline time.Time) error {
	addr := net.JoinHostPort(s.ring.next(), strconv.Itoa(s.port))

	var conn net.Conn
	var err error
	dialer := &net.Dialer{Deadline: deadline}
	if s.tlsCfg != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, s.tlsCfg)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	reader := bufio.NewReader(conn)

	if s.auth != "" {
		conn.SetDeadline(deadline)
		if _, err := conn.Write([]byte(s.auth + "\n")); err != nil {
			conn.Close()
			return fmt.Errorf("sending credential to %s: %w", addr, err)
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return fmt.Errorf("reading auth reply from %s: %w", addr, err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			conn.Close()
			return fmt.Errorf("credential rejected by %s", addr)
		}
	}

	s.addr = addr
	s.conn = conn
	s.reader = reader
	return nil
}

func (s *Socket) drop() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.reader = nil
	}
}

// Close severs the connection if one is open.
func (s *Socket) Close() error {
	s.drop()
	return nil
}
