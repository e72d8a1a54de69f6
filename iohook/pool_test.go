package iohook

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-dm/internal/interfaces"
)

func TestPool_AllocFreeRoundTrip(t *testing.T) {
	p := NewPool(2)

	h1, ok := p.Alloc()
	require.True(t, ok)
	require.NotNil(t, h1)

	h2, ok := p.Alloc()
	require.True(t, ok)
	require.NotNil(t, h2)

	_, ok = p.Alloc()
	require.False(t, ok, "pool should report exhaustion rather than block")

	p.Free(h1)
	h3, ok := p.Alloc()
	require.True(t, ok, "freeing a hook should make capacity available again")
	require.NotNil(t, h3)

	p.Free(h2)
	p.Free(h3)
	require.Equal(t, 0, p.InUse())
}

func TestPool_FreeClearsReferences(t *testing.T) {
	p := NewPool(1)
	h, ok := p.Alloc()
	require.True(t, ok)
	h.SavedEndIO = func(req *interfaces.Request, uptodate bool) {}
	p.Free(h)

	h2, ok := p.Alloc()
	require.True(t, ok)
	require.Nil(t, h2.SavedEndIO, "pooled hooks must not leak the previous request's callback")
}
