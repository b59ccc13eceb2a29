package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Memory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	require.NoError(t, c.AcquireMemory(50))
	require.NoError(t, c.AcquireMemory(40))
	assert.Equal(t, int64(90), c.MemoryUsage())

	assert.ErrorIs(t, c.AcquireMemory(20), ErrMemoryLimitExceeded)
	assert.Equal(t, int64(90), c.MemoryUsage())

	c.ReleaseMemory(50)
	require.NoError(t, c.AcquireMemory(20))
	assert.Equal(t, int64(60), c.MemoryUsage())
	assert.Equal(t, int64(90), c.PeakMemoryUsage())
	assert.Equal(t, int64(100), c.MemoryLimit())
}

func TestController_Reservation(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 64})

	r, err := c.Reserve("S tiles", 48)
	require.NoError(t, err)

	_, err = c.Reserve("R tiles", 32)
	require.ErrorIs(t, err, ErrMemoryLimitExceeded)
	assert.Contains(t, err.Error(), "R tiles")

	r.Release()
	r.Release()
	assert.Equal(t, int64(0), c.MemoryUsage())

	_, err = c.Reserve("R tiles", 32)
	require.NoError(t, err)
}

func TestController_Nil(t *testing.T) {
	var c *Controller
	require.NoError(t, c.AcquireMemory(1<<40))
	c.ReleaseMemory(1)
	assert.Zero(t, c.MemoryUsage())
	assert.Zero(t, c.MemoryLimit())
	require.NoError(t, c.AcquireIO(context.Background(), 1<<20))

	r, err := c.Reserve("x", 10)
	require.NoError(t, err)
	r.Release()
}

func TestController_IOLimit(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	// A request larger than the bucket is split instead of failing.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AcquireIO(ctx, 1<<20+1))

	canceled, stop := context.WithCancel(context.Background())
	stop()
	assert.Error(t, c.AcquireIO(canceled, 1<<20))
}
