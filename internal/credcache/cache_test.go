package credcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_RememberAndFresh(t *testing.T) {
	t.Parallel()
	c := New(4, time.Minute)

	require.False(t, c.Fresh("Basic YTpi"), "empty cache must miss")
	c.Remember("Basic YTpi")
	require.True(t, c.Fresh("Basic YTpi"), "remembered credential must hit")
	require.False(t, c.Fresh("Basic YTpj"), "different credential must miss")
	c.Forget("Basic YTpi")
	require.False(t, c.Fresh("Basic YTpi"), "forgotten credential must miss")
	require.Zero(t, c.Len())
}

func TestCache_Expires(t *testing.T) {
	t.Parallel()
	c := New(4, 50*time.Millisecond)

	c.Remember("cred")
	time.Sleep(120 * time.Millisecond)
	require.False(t, c.Fresh("cred"), "stale credential must miss")
}

func TestCache_HitRefreshesLifetime(t *testing.T) {
	t.Parallel()
	c := New(4, 200*time.Millisecond)

	c.Remember("cred")
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		require.True(t, c.Fresh("cred"), "hit %d: credential must stay fresh while used", i)
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	c := New(2, time.Minute)

	c.Remember("a")
	c.Remember("b")
	require.True(t, c.Fresh("a")) // a becomes most recent
	c.Remember("c")

	require.Equal(t, 2, c.Len())
	require.False(t, c.Fresh("b"), "b must have been evicted")
	require.True(t, c.Fresh("a"))
	require.True(t, c.Fresh("c"))
}
