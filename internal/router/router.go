// Package router fans envelopes out to the sinks registered for their
// type and holds undeliverable suffixes back per input type.
package router

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tailship/tailship/internal/model"
	"github.com/tailship/tailship/internal/output"
)

// Wildcard matches every envelope type.
const Wildcard = "*"

// batch is an undelivered envelope suffix bound to the one sink that
// failed it. The other sinks of the same type already took these
// envelopes, so redelivery goes only here.
type batch struct {
	out  output.Output
	envs []model.Envelope
}

// Router owns the type-to-sink table and the per-type stash. A type
// with a non-empty stash is blocked: the engine stops pulling inputs of
// that type so ordering survives a sink outage.
type Router struct {
	log      *logrus.Entry
	routes   map[string][]output.Output
	wildcard []output.Output
	stash    map[string][]*batch
	warned   map[string]bool
}

// New creates an empty router.
func New(log *logrus.Entry) *Router {
	return &Router{
		log:    log,
		routes: make(map[string][]output.Output),
		stash:  make(map[string][]*batch),
		warned: make(map[string]bool),
	}
}

// Register binds a sink to its declared type labels. The wildcard label
// receives every envelope regardless of type.
func (r *Router) Register(types []string, out output.Output) {
	for _, t := range types {
		if t == Wildcard {
			r.wildcard = append(r.wildcard, out)
			continue
		}
		r.routes[t] = append(r.routes[t], out)
	}
}

// sinksFor returns every sink an envelope of this type must reach.
func (r *Router) sinksFor(typ string) []output.Output {
	if len(r.wildcard) == 0 {
		return r.routes[typ]
	}
	outs := make([]output.Output, 0, len(r.routes[typ])+len(r.wildcard))
	outs = append(outs, r.routes[typ]...)
	outs = append(outs, r.wildcard...)
	return outs
}

// Fanout delivers a batch of envelopes from one input in order. Each
// envelope routes by its own type; the first failure from a sink
// stashes that sink's remaining suffix under the input's type while the
// other sinks keep receiving the full batch.
func (r *Router) Fanout(ctx context.Context, inputType string, envs []model.Envelope) {
	var failed []*batch
	failedBy := make(map[output.Output]*batch)

	for _, env := range envs {
		outs := r.sinksFor(env.Type)
		if len(outs) == 0 {
			if !r.warned[env.Type] {
				r.log.Warnf("no output for type %q, dropping", env.Type)
				r.warned[env.Type] = true
			}
			continue
		}

		for _, out := range outs {
			if b, ok := failedBy[out]; ok {
				b.envs = append(b.envs, env)
				continue
			}
			if err := out.Push(ctx, env); err != nil {
				r.log.Warnf("%s failed, holding back: %v", out.Name(), err)
				b := &batch{out: out, envs: []model.Envelope{env}}
				failedBy[out] = b
				failed = append(failed, b)
			}
		}
	}

	if len(failed) > 0 {
		r.stash[inputType] = append(r.stash[inputType], failed...)
		n, bytes := 0, 0
		for _, b := range failed {
			n += len(b.envs)
			for _, env := range b.envs {
				bytes += env.Len()
			}
		}
		r.log.Warnf("stashed %d envelopes (%d bytes) for type %q", n, bytes, inputType)
	}
}

// Drain retries every stalled type's batches in insertion order. A
// failure puts the remaining suffix back at the head and halts that
// type until the next pass; a type unblocks when its list empties.
func (r *Router) Drain(ctx context.Context) {
	for typ, batches := range r.stash {
		for len(batches) > 0 {
			b := batches[0]
			if rest, ok := replay(ctx, b); !ok {
				b.envs = rest
				break
			}
			batches = batches[1:]
		}
		if len(batches) == 0 {
			delete(r.stash, typ)
			r.log.Infof("type %q recovered", typ)
		} else {
			r.stash[typ] = batches
		}
	}
}

// replay re-pushes a batch line by line, returning the undelivered
// suffix on failure.
func replay(ctx context.Context, b *batch) ([]model.Envelope, bool) {
	for i, env := range b.envs {
		if err := b.out.Push(ctx, env); err != nil {
			return b.envs[i:], false
		}
	}
	return nil, true
}

// ResetTick clears the once-per-tick warning set.
func (r *Router) ResetTick() {
	if len(r.warned) > 0 {
		r.warned = make(map[string]bool)
	}
}

// Blocked reports whether envelopes of this type are currently stalled.
func (r *Router) Blocked(typ string) bool {
	return len(r.stash[typ]) > 0
}

// AnyBlocked reports whether any type is stalled. Inputs with no fixed
// type consult this before pulling.
func (r *Router) AnyBlocked() bool {
	return len(r.stash) > 0
}

// Stashed returns the total number of envelopes held back.
func (r *Router) Stashed() int {
	n := 0
	for _, batches := range r.stash {
		for _, b := range batches {
			n += len(b.envs)
		}
	}
	return n
}
