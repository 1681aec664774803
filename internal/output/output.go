// Package output defines the delivery sinks for rendered envelopes.
package output

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/model"
)

// Output delivers one envelope at a time. A push either fully delivers
// (written and, where the protocol has one, acknowledged) or fails; on
// failure the sink discards its connection state and the next push
// reconnects. All network steps within one push share a single
// deadline derived from the sink's configured timeout.
type Output interface {
	// Name returns a human-readable identifier for logging.
	Name() string

	// Push delivers one envelope.
	Push(ctx context.Context, env model.Envelope) error

	// Close releases the sink's resources.
	Close() error
}

// New builds the sink named by the configuration's kind.
func New(cfg config.OutputConfig, hostname string, log *logrus.Entry) (Output, error) {
	switch cfg.Kind {
	case "redis":
		return NewRedis(cfg, log), nil
	case "amqp":
		return NewAMQP(cfg, log), nil
	case "socket":
		return NewSocket(cfg, log)
	case "gelf":
		return NewGELF(cfg, log)
	case "screen":
		return NewScreen(cfg, log)
	case "elasticsearch":
		return NewElasticsearch(cfg, log)
	default:
		return nil, fmt.Errorf("unknown output kind %q", cfg.Kind)
	}
}
