package planfiles

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOpensAndReusesHandle(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 2)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	s1, err := c.Get(1)
	require.NoError(t, err)
	s2, err := c.Get(1)
	require.NoError(t, err)
	require.Same(t, s1, s2)
}

func TestEvictionClosesLRUHandle(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 1)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.Get(1)
	require.NoError(t, err)
	// Capacity is 1: opening plan 2 must evict and close plan 1's handle.
	_, err = c.Get(2)
	require.NoError(t, err)

	reopened, err := c.Get(1)
	require.NoError(t, err)
	require.NotNil(t, reopened)
}

func TestEvictRemovesHandle(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 2)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	s1, err := c.Get(1)
	require.NoError(t, err)
	c.Evict(1)
	s2, err := c.Get(1)
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
}
