// Package supervisor partitions inputs into worker groups and runs one
// scheduling engine per worker until shutdown.
package supervisor

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/engine"
	"github.com/tailship/tailship/internal/metrics"
)

// group is a set of inputs served by a fixed number of workers. Group
// zero collects every input without a workers setting; each input that
// asks for workers forms its own group.
type group struct {
	name    string
	inputs  []config.InputConfig
	workers int
}

// partition splits the configured inputs into worker groups.
func partition(inputs []config.InputConfig) []group {
	groups := []group{{name: "main", workers: 1}}
	for i, ic := range inputs {
		if ic.Workers == 0 {
			groups[0].inputs = append(groups[0].inputs, ic)
			continue
		}
		groups = append(groups, group{
			name:    fmt.Sprintf("group%d", i),
			inputs:  []config.InputConfig{ic},
			workers: ic.Workers,
		})
	}
	return groups
}

// Run starts every worker and blocks until all of them return. Each
// worker owns a full engine: its own inputs, encoders and output
// connections. Socket inputs with several workers share their listen
// address through the kernel.
func Run(ctx context.Context, cfg *config.Config, met *metrics.Metrics, log *logrus.Entry) error {
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.Metrics.Listen, met.Registry, log.WithField("component", "metrics"))
		})
	}

	workers := 0
	for _, grp := range partition(cfg.Inputs) {
		if len(grp.inputs) == 0 {
			continue
		}
		for n := 0; n < grp.workers; n++ {
			name := grp.name
			if grp.workers > 1 {
				name = fmt.Sprintf("%s/%d", grp.name, n)
			}
			inputs := grp.inputs
			wlog := log.WithField("worker", name)

			eng, err := engine.New(cfg, inputs, met, wlog)
			if err != nil {
				return fmt.Errorf("starting worker %s: %w", name, err)
			}
			g.Go(func() error {
				wlog.Info("worker started")
				defer wlog.Info("worker stopped")
				return eng.Run(ctx)
			})
			workers++
		}
	}

	log.Infof("supervising %d workers", workers)
	daemon.SdNotify(false, daemon.SdNotifyReady)
	defer daemon.SdNotify(false, daemon.SdNotifyStopping)

	return g.Wait()
}
