package output

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailship/tailship/internal/config"
	"github.com/tailship/tailship/internal/model"
	"github.com/tailship/tailship/internal/testutil"
)

func TestScreenDiscard(t *testing.T) {
	s, err := NewScreen(config.OutputConfig{Target: "discard"}, testutil.NewTestLogger())
	require.NoError(t, err)

	err = s.Push(context.Background(), model.Envelope{Type: "t", Data: []byte(`{"@message":"x"}`)})
	assert.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestScreenRejectsUnknownTarget(t *testing.T) {
	_, err := NewScreen(config.OutputConfig{Target: "printer"}, testutil.NewTestLogger())
	assert.Error(t, err)
}
