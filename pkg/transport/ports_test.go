package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorDrawIsUniqueAndBounded(t *testing.T) {
	a := NewPortAllocator(1)
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		p := a.draw()
		require.False(t, seen[p], "port %d drawn twice before release", p)
		seen[p] = true
		assert.GreaterOrEqual(t, p, MinPort)
		assert.Less(t, p, MaxPort)
	}
}

func TestPortAllocatorReleaseAllowsReuse(t *testing.T) {
	a := NewPortAllocator(2)
	p := a.draw()
	a.Release(p)

	assert.False(t, a.used[p])
}
