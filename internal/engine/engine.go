// Package engine runs the cooperative polling loop that moves lines
// from inputs through the encoder and router to the sinks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/input"
	"github.com/tailship/tailship/internal/metrics"
	"github.com/tailship/tailship/internal/model"
	"github.com/tailship/tailship/internal/output"
	"github.com/tailship/tailship/internal/router"
)

// descriptor pairs a live input with its encoder and scheduling state.
type descriptor struct {
	in  input.Input
	enc *model.Encoder
	typ string

	removeOnErrors bool
	nextTick       time.Time
	retire         bool

	watch *globWatch
	path  string
}

// Engine is a single-goroutine cooperative scheduler. It owns its
// inputs and sinks outright; workers never share connection state.
type Engine struct {
	cfg *config.Config
	log *logrus.Entry
	met *metrics.Metrics

	router  *router.Router
	outputs []output.Output
	descs   []*descriptor
	watcher *dirWatcher

	poll      time.Duration
	lines     int
	watchGap  time.Duration
	nextWatch time.Time

	bench benchmark
}

// New builds an engine for a subset of the configured inputs. Every
// output is instantiated fresh so no connection crosses workers.
func New(cfg *config.Config, inputs []config.InputConfig, met *metrics.Metrics, log *logrus.Entry) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		log:      log,
		met:      met,
		router:   router.New(log.WithField("component", "router")),
		poll:     time.Duration(cfg.Poll) * time.Millisecond,
		lines:    cfg.Lines,
		watchGap: time.Duration(cfg.LogWatchInterval) * time.Second,
		bench:    benchmark{enabled: cfg.Benchmark, log: log, last: time.Now()},
	}

	for _, oc := range cfg.Outputs {
		out, err := output.New(oc, cfg.Hostname, log)
		if err != nil {
			e.close()
			return nil, err
		}
		e.outputs = append(e.outputs, out)
		e.router.Register(oc.Types(), out)
	}

	watcher, err := newDirWatcher(log.WithField("component", "watch"))
	if err != nil {
		e.close()
		return nil, err
	}
	e.watcher = watcher

	for _, ic := range inputs {
		if err := e.addInput(ic); err != nil {
			e.close()
			return nil, err
		}
	}
	return e, nil
}

// addInput turns one input entry into live descriptors. File paths
// containing glob metacharacters are enrolled for watching instead of
// being opened directly.
func (e *Engine) addInput(ic config.InputConfig) error {
	switch ic.Kind {
	case "file":
		for _, path := range ic.Path {
			if strings.ContainsAny(path, "*?[") {
				if err := e.watcher.enroll(path, ic); err != nil {
					return err
				}
				continue
			}
			t, err := input.NewTailer(path, ic, false, e.log)
			if err != nil {
				return err
			}
			if err := e.bind(t, ic, nil, path, false); err != nil {
				return err
			}
		}
	case "socket":
		l, err := input.NewListener(ic, ic.Workers > 1, e.log)
		if err != nil {
			return err
		}
		if err := e.bind(l, ic, nil, ic.Listen, false); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown input kind %q", ic.Kind)
	}
	return nil
}

// bind wraps a live input in a descriptor with its own encoder.
func (e *Engine) bind(in input.Input, ic config.InputConfig, w *globWatch, sourcePath string, removeOnErrors bool) error {
	enc, err := model.NewEncoder(ic, e.cfg.Hostname, sourcePath, e.cfg.Milliseconds)
	if err != nil {
		in.Close()
		return err
	}
	e.descs = append(e.descs, &descriptor{
		in:             in,
		enc:            enc,
		typ:            ic.Type,
		removeOnErrors: removeOnErrors,
		watch:          w,
		path:           sourcePath,
	})
	e.met.InputsActive.Inc()
	return nil
}

// Run ticks until the context is cancelled. The stash is not flushed on
// exit; undelivered envelopes are lost by design.
func (e *Engine) Run(ctx context.Context) error {
	defer e.close()

	for {
		sleep := e.tick(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-e.watcher.events():
			// A directory changed under a watched glob; rescan on the
			// tick that follows immediately.
			e.nextWatch = time.Time{}
		case <-time.After(sleep):
		}
	}
}

// tick runs one scheduling pass and returns how long to idle before the
// next one. Any input that produced data zeroes the idle time.
func (e *Engine) tick(ctx context.Context) time.Duration {
	start := time.Now()
	defer func() {
		e.met.TickDuration.Observe(time.Since(start).Seconds())
	}()

	if !start.Before(e.nextWatch) {
		e.rescan()
		e.nextWatch = start.Add(e.watchGap)
	}

	e.reap()

	deadline := start.Add(e.poll)

	e.router.ResetTick()
	e.router.Drain(ctx)
	e.met.StashedGauge.Set(float64(e.router.Stashed()))

	now := start
	for _, d := range e.descs {
		if d.retire || d.nextTick.After(now) {
			continue
		}
		if d.typ == "" && e.router.AnyBlocked() {
			continue
		}
		if d.typ != "" && e.router.Blocked(d.typ) {
			continue
		}

		lines, err := d.in.Pull(e.lines)
		if err != nil {
			if errors.Is(err, input.ErrUnusable) && d.removeOnErrors {
				d.retire = true
			}
			continue
		}
		if len(lines) == 0 {
			d.nextTick = now.Add(e.poll)
			continue
		}

		deadline = now
		e.met.LinesPulled.WithLabelValues(d.in.Name()).Add(float64(len(lines)))
		e.dispatch(ctx, d, lines)
	}

	e.bench.flush()

	if sleep := time.Until(deadline); sleep > 0 {
		return sleep
	}
	return 0
}

// dispatch encodes one batch and fans it out under the input's type.
func (e *Engine) dispatch(ctx context.Context, d *descriptor, lines []string) {
	envs := make([]model.Envelope, 0, len(lines))
	for _, line := range lines {
		env, err := d.enc.Encode(line)
		if err != nil {
			e.log.Warnf("dropping line from %s: %v", d.in.Name(), err)
			e.met.EncodeErrors.WithLabelValues(d.in.Name()).Inc()
			continue
		}
		envs = append(envs, env)
		e.met.Dispatched.WithLabelValues(env.Type).Inc()
		e.bench.account(env.Len())
	}
	if len(envs) > 0 {
		e.router.Fanout(ctx, d.typ, envs)
	}
}

// rescan binds newly matching glob paths as begin-reading, retire-on-
// loss descriptors.
func (e *Engine) rescan() {
	e.watcher.rescan(func(path string, w *globWatch) {
		t, err := input.NewTailer(path, w.cfg, true, e.log)
		if err != nil {
			e.log.Warnf("cannot tail discovered %s: %v", path, err)
			return
		}
		if err := e.bind(t, w.cfg, w, path, true); err != nil {
			e.log.Warnf("cannot bind discovered %s: %v", path, err)
			return
		}
		e.log.Infof("discovered %s", path)
	})
}

// reap drops descriptors marked for retirement and releases their glob
// binding so a recreated path is rediscovered.
func (e *Engine) reap() {
	kept := e.descs[:0]
	for _, d := range e.descs {
		if !d.retire {
			kept = append(kept, d)
			continue
		}
		d.in.Close()
		if d.watch != nil {
			d.watch.release(d.path)
		}
		e.met.InputsActive.Dec()
		e.met.InputsRetired.Inc()
		e.log.Infof("retired %s", d.in.Name())
	}
	e.descs = kept
}

// close releases every input, sink and watch handle.
func (e *Engine) close() {
	for _, d := range e.descs {
		d.in.Close()
		e.met.InputsActive.Dec()
	}
	e.descs = nil
	for _, out := range e.outputs {
		out.Close()
	}
	e.outputs = nil
	if e.watcher != nil {
		e.watcher.close()
	}
}

// benchmark accumulates throughput totals and logs a summary at most
// once per second.
type benchmark struct {
	enabled bool
	log     *logrus.Entry
	lines   int
	bytes   int
	last    time.Time
}

func (b *benchmark) account(size int) {
	if !b.enabled {
		return
	}
	b.lines++
	b.bytes += size
}

func (b *benchmark) flush() {
	if !b.enabled || b.lines == 0 {
		return
	}
	elapsed := time.Since(b.last)
	if elapsed <= time.Second {
		return
	}
	rate := float64(b.lines) / elapsed.Seconds()
	b.log.Infof("benchmark: %d lines, %d bytes in %.1fs (%.0f lines/s)", b.lines, b.bytes, elapsed.Seconds(), rate)
	b.lines = 0
	b.bytes = 0
	b.last = time.Now()
}
