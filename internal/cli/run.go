package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/metrics"
	"github.com/tailship/tailship/internal/supervisor"
)

// NewRunCmd creates the run command. The config path and pid-file path
// may also be given as positional arguments, matching the classic
// invocation of this kind of agent.
func NewRunCmd(cfgFile *string) *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "run [config-path [pidfile-path]]",
		Short: "Start the shipping agent",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				*cfgFile = args[0]
			}
			if len(args) > 1 {
				pidFile = args[1]
			}
			return runAgent(*cfgFile, pidFile)
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "", "write the agent's PID to this file")

	return cmd
}

func runAgent(cfgFile, pidFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := SetupLogging(cfg.Log)
	if err != nil {
		return err
	}

	if pidFile != "" {
		if err := writePidFile(pidFile); err != nil {
			return err
		}
		defer os.Remove(pidFile)
	}

	// Termination is graceful; a hangup or a dead reader never kills
	// the agent.
	signal.Ignore(syscall.SIGHUP, syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("starting tailship: inputs=%d, outputs=%d", len(cfg.Inputs), len(cfg.Outputs))

	met := metrics.New()
	if err := supervisor.Run(ctx, cfg, met, log); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	log.Info("tailship stopped")
	return nil
}

// writePidFile records the agent's PID for process managers.
func writePidFile(path string) error {
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}
