// Package cli wires the command-line surface of the agent.
package cli

import (
	"github.com/spf13/cobra"
)

// Execute builds and runs the CLI.
func Execute() error {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "tailship",
		Short: "A log-shipping agent with type-routed outputs",
		Long: `tailship is a long-running daemon that tails rotating log files and
line-oriented TCP sockets and forwards every event, shaped into a
structured JSON envelope, to Redis lists, AMQP queues, TLS line
sockets, GELF endpoints, Elasticsearch indices or the local screen.

Inputs carry type labels; outputs declare the labels they consume
(with wildcard support). When an output fails, events for its types
are held back in order and replayed once the output recovers.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tailship.yaml", "config file")

	rootCmd.AddCommand(
		NewRunCmd(&cfgFile),
		NewValidateCmd(&cfgFile),
		NewVersionCmd(),
	)

	return rootCmd.Execute()
}
