package ipc

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackDoorbell(t *testing.T) {
	a, b := NewLoopbackPair()
	var hits atomic.Int32

	// Not listening yet: dropped.
	require.NoError(t, a.Ring())
	require.NoError(t, b.Listen(func() { hits.Add(1) }))
	require.NoError(t, a.Ring())
	require.NoError(t, a.Ring())
	assert.Equal(t, int32(2), hits.Load())

	require.NoError(t, b.Close())
	require.NoError(t, a.Ring())
	assert.Equal(t, int32(2), hits.Load())
	assert.ErrorIs(t, b.Ring(), ErrDoorbellClosed)
	assert.ErrorIs(t, b.Listen(func() {}), ErrDoorbellClosed)
}

func TestUnixDoorbell(t *testing.T) {
	dir := t.TempDir()
	host, err := NewUnixDoorbell(dir, "host.sock", "remote.sock")
	require.NoError(t, err)
	defer host.Close()

	// The peer socket does not exist yet.
	assert.Error(t, host.Ring())

	remote, err := NewUnixDoorbell(dir, "remote.sock", "host.sock")
	require.NoError(t, err)

	// Queued by the kernel until the peer listens.
	require.NoError(t, host.Ring())
	hits := make(chan struct{}, 4)
	require.NoError(t, remote.Listen(func() { hits <- struct{}{} }))
	assert.Error(t, remote.Listen(func() {}))
	require.NoError(t, host.Ring())

	for i := 0; i < 2; i++ {
		select {
		case <-hits:
		case <-time.After(2 * time.Second):
			t.Fatalf("signal %d not delivered", i)
		}
	}

	require.NoError(t, remote.Close())
	assert.NoFileExists(t, filepath.Join(dir, "remote.sock"))
	assert.ErrorIs(t, remote.Ring(), ErrDoorbellClosed)
	assert.NoError(t, remote.Close())
}
