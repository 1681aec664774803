package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tailship/tailship/internal/config"
)

// SetupLogging configures the agent's logger from the log section.
// With a file configured the stream goes through size-based rotation;
// otherwise it goes to stderr. After startup this logger is the only
// thing the agent prints through.
func SetupLogging(cfg config.LogConfig) (*logrus.Entry, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	if cfg.File != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	} else {
		log.SetOutput(os.Stderr)
	}

	return logrus.NewEntry(log), nil
}
