package output

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/model"
)

// Screen prints envelopes to a standard stream, mainly for debugging a
// pipeline before pointing it at a real sink.
type Screen struct {
	target string
	w      io.Writer
}

// NewScreen builds the sink for the configured target stream.
func NewScreen(cfg config.OutputConfig, _ *logrus.Entry) (*Screen, error) {
	s := &Screen{target: cfg.Target}
	switch cfg.Target {
	case "stdout":
		s.w = os.Stdout
	case "stderr":
		s.w = os.Stderr
	case "discard":
		s.w = io.Discard
	default:
		return nil, fmt.Errorf("unknown screen target %q", cfg.Target)
	}
	return s, nil
}

// Name identifies the sink by its stream.
func (s *Screen) Name() string {
	return "screen://" + s.target
}

// Push writes the envelope followed by a newline.
func (s *Screen) Push(_ context.Context, env model.Envelope) error {
	if _, err := s.w.Write(append(env.Data, '\n')); err != nil {
		return fmt.Errorf("screen write: %w", err)
	}
	return nil
}

// Close is a no-op; the streams belong to the process.
func (s *Screen) Close() error {
	return nil
}
