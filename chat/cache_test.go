package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusCacheOneShot(t *testing.T) {
	c := newStatusCache()

	_, ok := c.lookup("chat")
	require.False(t, ok)

	c.set("chat", true)
	v, ok := c.lookup("chat")
	require.True(t, ok)
	require.True(t, v)

	c.invalidate("chat")
	v, ok = c.lookup("chat")
	require.True(t, ok)
	require.False(t, v)

	// a completed bootstrap can never be undone by a stale observation
	c.set("chat", true)
	v, _ = c.lookup("chat")
	require.False(t, v)
}

func TestStatusCacheIndependentChats(t *testing.T) {
	c := newStatusCache()
	c.set("a", true)
	c.invalidate("b")

	v, _ := c.lookup("a")
	require.True(t, v)
	v, _ = c.lookup("b")
	require.False(t, v)
}
