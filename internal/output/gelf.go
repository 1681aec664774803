package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/model"
)

// maxDatagram is the largest GELF payload sent in one UDP datagram.
// Oversized messages are dropped instead of chunked.
const maxDatagram = 8192

// GELF sends envelopes to a Graylog endpoint as GELF 1.1 datagrams
// over UDP. Delivery is fire-and-forget: oversized payloads and network
// errors never hold events back.
type GELF struct {
	log      *logrus.Entry
	addr     string
	facility string
	compress bool

	conn net.Conn
}

// NewGELF builds the sink and resolves the target once.
func NewGELF(cfg config.OutputConfig, log *logrus.Entry) (*GELF, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving gelf target %s: %w", addr, err)
	}
	return &GELF{
		log:      log.WithField("output", "gelf"),
		addr:     addr,
		facility: cfg.Facility,
		compress: cfg.Gzip,
		conn:     conn,
	}, nil
}

// Name identifies the sink by its target.
func (g *GELF) Name() string {
	return "gelf://" + g.addr
}

// Push renders the envelope as one GELF datagram. Payloads over the
// datagram limit are logged and dropped; send errors are swallowed so
// an unreachable endpoint cannot stall the loop.
func (g *GELF) Push(_ context.Context, env model.Envelope) error {
	payload, err := g.render(env)
	if err != nil {
		g.log.Warnf("cannot render gelf message: %v", err)
		return nil
	}

	if len(payload) > maxDatagram {
		g.log.Errorf("gelf message of %d bytes exceeds %d, dropped", len(payload), maxDatagram)
		return nil
	}

	g.conn.Write(payload)
	return nil
}

// render builds the GELF 1.1 object from the envelope's own host and
// message fields.
func (g *GELF) render(env model.Envelope) ([]byte, error) {
	var ev map[string]any
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return nil, err
	}

	host, _ := ev["@source_host"].(string)
	short, _ := ev["@message"].(string)
	msg := map[string]any{
		"version":       "1.1",
		"host":          host,
		"short_message": short,
		"level":         "1",
		"facility":      g.facility,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	if !g.compress {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close releases the UDP socket.
func (g *GELF) Close() error {
	return g.conn.Close()
}
