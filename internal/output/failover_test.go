package output

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostRingRotatesOnEveryAttempt(t *testing.T) {
	r := newHostRing([]string{"h1", "h2", "h3"})

	assert.Equal(t, "h1", r.next())
	assert.Equal(t, []string{"h2", "h3", "h1"}, r.hosts)

	// One failure then one success leaves the successful host last.
	assert.Equal(t, "h2", r.next())
	assert.Equal(t, []string{"h3", "h1", "h2"}, r.hosts)
}

func TestHostRingSingleHost(t *testing.T) {
	r := newHostRing([]string{"only"})
	assert.Equal(t, "only", r.next())
	assert.Equal(t, "only", r.next())
	assert.Equal(t, "only", r.peek())
	assert.Equal(t, 1, r.size())
}
