package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := TryAcquire(dir)
	require.NoError(t, err)

	// flock is per open file description, so a second open conflicts
	_, err = TryAcquire(dir)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}
