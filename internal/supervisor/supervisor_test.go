package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/metrics"
	"github.com/tailship/tailship/internal/testutil"
)

func TestPartitionGroupsByWorkers(t *testing.T) {
	inputs := []config.InputConfig{
		{Kind: "file", Type: "a"},
		{Kind: "socket", Type: "b", Workers: 3},
		{Kind: "file", Type: "c"},
		{Kind: "socket", Type: "d", Workers: 2},
	}

	groups := partition(inputs)
	require.Len(t, groups, 3)

	main := groups[0]
	assert.Equal(t, "main", main.name)
	assert.Equal(t, 1, main.workers)
	require.Len(t, main.inputs, 2)
	assert.Equal(t, "a", main.inputs[0].Type)
	assert.Equal(t, "c", main.inputs[1].Type)

	assert.Equal(t, 3, groups[1].workers)
	require.Len(t, groups[1].inputs, 1)
	assert.Equal(t, "b", groups[1].inputs[0].Type)

	assert.Equal(t, 2, groups[2].workers)
	assert.Equal(t, "d", groups[2].inputs[0].Type)
}

func TestPartitionAllDefaultWorkers(t *testing.T) {
	inputs := []config.InputConfig{
		{Kind: "file", Type: "a"},
		{Kind: "file", Type: "b"},
	}

	groups := partition(inputs)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].inputs, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte("line\n"), 0o644))

	cfg := &config.Config{
		Poll:             100,
		Lines:            100,
		Hostname:         "test-host",
		LogWatchInterval: 5,
		Inputs: []config.InputConfig{{
			Kind: "file", Type: "app", Format: "plain",
			StartPosition: "begin", Path: []string{path},
		}},
		Outputs: []config.OutputConfig{{Kind: "screen", Type: "*", Target: "discard"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, metrics.New(), testutil.NewTestLogger())
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestRunFailsOnBadInput(t *testing.T) {
	cfg := &config.Config{
		Poll:             100,
		Lines:            100,
		LogWatchInterval: 5,
		Inputs:           []config.InputConfig{{Kind: "pigeon", Type: "t"}},
		Outputs:          []config.OutputConfig{{Kind: "screen", Type: "*", Target: "discard"}},
	}

	err := Run(context.Background(), cfg, metrics.New(), testutil.NewTestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting worker")
}
