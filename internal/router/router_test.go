package router

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tailship/tailship/internal/model"
	"github.com/tailship/tailship/internal/testutil"
)

// fakeOutput records pushed envelopes and fails on demand.
type fakeOutput struct {
	name   string
	broken bool
	got    []string
}

func (f *fakeOutput) Name() string { return f.name }

func (f *fakeOutput) Push(_ context.Context, env model.Envelope) error {
	if f.broken {
		return errors.New("connection refused")
	}
	f.got = append(f.got, string(env.Data))
	return nil
}

func (f *fakeOutput) Close() error { return nil }

func envs(typ string, n int) []model.Envelope {
	out := make([]model.Envelope, n)
	for i := range out {
		out[i] = model.Envelope{Type: typ, Data: []byte(fmt.Sprintf("%d", i+1))}
	}
	return out
}

func TestFanoutDeliversInOrder(t *testing.T) {
	r := New(testutil.NewTestLogger())
	out := &fakeOutput{name: "o1"}
	r.Register([]string{"syslog"}, out)

	r.Fanout(context.Background(), "syslog", envs("syslog", 3))

	assert.Equal(t, []string{"1", "2", "3"}, out.got)
	assert.False(t, r.AnyBlocked())
}

func TestFanoutStashOnFailureAndDrain(t *testing.T) {
	r := New(testutil.NewTestLogger())
	r1 := &fakeOutput{name: "r1", broken: true}
	r2 := &fakeOutput{name: "r2"}
	r.Register([]string{"syslog"}, r1)
	r.Register([]string{"syslog"}, r2)

	r.Fanout(context.Background(), "syslog", envs("syslog", 5))

	// The healthy sink got the whole batch; the broken one stashed it.
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, r2.got)
	assert.Empty(t, r1.got)
	assert.True(t, r.Blocked("syslog"))
	assert.Equal(t, 5, r.Stashed())

	// Still broken: drain leaves the stash intact.
	r.Drain(context.Background())
	assert.True(t, r.Blocked("syslog"))

	// Repaired: drain replays the suffix in order, once.
	r1.broken = false
	r.Drain(context.Background())
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, r1.got)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, r2.got)
	assert.False(t, r.Blocked("syslog"))
	assert.Equal(t, 0, r.Stashed())
}

func TestFanoutMidBatchFailureStashesSuffix(t *testing.T) {
	r := New(testutil.NewTestLogger())
	out := &fakeOutput{name: "o1"}
	r.Register([]string{"app"}, out)

	batch := envs("app", 4)
	r.Fanout(context.Background(), "app", batch[:2])
	out.broken = true
	r.Fanout(context.Background(), "app", batch[2:])

	assert.Equal(t, []string{"1", "2"}, out.got)
	assert.Equal(t, 2, r.Stashed())

	out.broken = false
	r.Drain(context.Background())
	assert.Equal(t, []string{"1", "2", "3", "4"}, out.got)
}

func TestWildcardReceivesEveryType(t *testing.T) {
	r := New(testutil.NewTestLogger())
	all := &fakeOutput{name: "all"}
	r.Register([]string{Wildcard}, all)

	r.Fanout(context.Background(), "a", []model.Envelope{{Type: "a", Data: []byte("ea")}})
	r.Fanout(context.Background(), "b", []model.Envelope{{Type: "b", Data: []byte("eb")}})

	assert.Equal(t, []string{"ea", "eb"}, all.got)
}

func TestUnroutedTypeIsDropped(t *testing.T) {
	r := New(testutil.NewTestLogger())
	out := &fakeOutput{name: "o1"}
	r.Register([]string{"known"}, out)

	r.Fanout(context.Background(), "other", envs("other", 2))

	assert.Empty(t, out.got)
	assert.False(t, r.AnyBlocked())
}

func TestStashKeyedByInputType(t *testing.T) {
	r := New(testutil.NewTestLogger())
	out := &fakeOutput{name: "o1", broken: true}
	r.Register([]string{"routed"}, out)

	// A json_event input of type "in" produced an envelope whose own
	// type routed elsewhere; the stall is charged to the input.
	r.Fanout(context.Background(), "in", []model.Envelope{{Type: "routed", Data: []byte("x")}})

	assert.True(t, r.Blocked("in"))
	assert.False(t, r.Blocked("routed"))
}

func TestBlockedTypeQueuesBehindStash(t *testing.T) {
	r := New(testutil.NewTestLogger())
	out := &fakeOutput{name: "o1", broken: true}
	r.Register([]string{"t"}, out)

	r.Fanout(context.Background(), "t", envs("t", 2))
	out.broken = false

	r.Drain(context.Background())
	r.Fanout(context.Background(), "t", []model.Envelope{{Type: "t", Data: []byte("3")}})

	assert.Equal(t, []string{"1", "2", "3"}, out.got)
}
