//go:build windows

package webgpu

import (
	"testing"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	assert.Equal(t, smallClass, classOf(2048))
	assert.Equal(t, mediumClass, classOf(4096))
	assert.Equal(t, mediumClass, classOf(512*1024))
	assert.Equal(t, largeClass, classOf(2*1024*1024))
}

func TestBufferPool_Reuse(t *testing.T) {
	d := newDevice(t)
	pool := NewBufferPool(d.device)
	defer pool.Clear()

	buf := pool.Acquire(1024, storageUsage)
	allocated, released, hits, misses, pooled := pool.Stats()
	assert.Equal(t, []uint64{1, 0, 0, 1}, []uint64{allocated, released, hits, misses})
	assert.Equal(t, 0, pooled)

	pool.Release(buf, 1024, storageUsage)
	_, released, _, _, pooled = pool.Stats()
	assert.Equal(t, uint64(1), released)
	assert.Equal(t, 1, pooled)

	// A smaller request in the same class reuses the buffer.
	again := pool.Acquire(512, storageUsage)
	_, _, hits, _, pooled = pool.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, 0, pooled)

	// A larger one does not.
	bigger := pool.Acquire(2048, storageUsage)
	_, _, _, misses, _ = pool.Stats()
	assert.Equal(t, uint64(2), misses)

	pool.Release(again, 1024, storageUsage)
	pool.Release(bigger, 2048, storageUsage)
	_, _, _, _, pooled = pool.Stats()
	assert.Equal(t, 2, pooled)
}

func TestBufferPool_Full(t *testing.T) {
	d := newDevice(t)
	pool := NewBufferPool(d.device)
	defer pool.Clear()

	bufs := make([]*wgpu.Buffer, maxPoolSize+5)
	for i := range bufs {
		bufs[i] = pool.Acquire(16, storageUsage)
	}
	for _, b := range bufs {
		pool.Release(b, 16, storageUsage)
	}
	_, _, _, _, pooled := pool.Stats()
	assert.Equal(t, maxPoolSize, pooled)
}
