//go:build windows

package webgpu

import (
	"github.com/go-webgpu/webgpu/wgpu"
)

// sizeClass groups pooled buffers by size.
type sizeClass int

const (
	smallClass  sizeClass = iota // < 4KB
	mediumClass                  // 4KB-1MB
	largeClass                   // > 1MB
	numClasses
)

const (
	smallThreshold  = 4 * 1024
	mediumThreshold = 1024 * 1024
	maxPoolSize     = 100 // buffers kept per class
)

func classOf(size uint64) sizeClass {
	switch {
	case size < smallThreshold:
		return smallClass
	case size < mediumThreshold:
		return mediumClass
	default:
		return largeClass
	}
}

type pooledBuffer struct {
	buffer *wgpu.Buffer
	size   uint64
	usage  wgpu.BufferUsage
}

// BufferPool keeps released storage buffers for reuse. Callers serialize
// access through the device lock.
type BufferPool struct {
	device  *wgpu.Device
	classes [numClasses][]pooledBuffer

	allocated uint64
	released  uint64
	hits      uint64
	misses    uint64
}

// NewBufferPool creates an empty pool for device.
func NewBufferPool(device *wgpu.Device) *BufferPool {
	return &BufferPool{device: device}
}

// Acquire returns a pooled buffer of at least size bytes with the given
// usage, or creates one of exactly size bytes.
func (p *BufferPool) Acquire(size uint64, usage wgpu.BufferUsage) *wgpu.Buffer {
	c := classOf(size)
	for i, pb := range p.classes[c] {
		if pb.size >= size && pb.usage&usage == usage {
			p.classes[c] = append(p.classes[c][:i], p.classes[c][i+1:]...)
			p.hits++
			return pb.buffer
		}
	}

	p.misses++
	p.allocated++
	return p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: usage,
		Size:  size,
	})
}

// Release returns buffer to the pool, or frees it when its class is full.
func (p *BufferPool) Release(buffer *wgpu.Buffer, size uint64, usage wgpu.BufferUsage) {
	p.released++
	c := classOf(size)
	if len(p.classes[c]) >= maxPoolSize {
		buffer.Release()
		return
	}
	p.classes[c] = append(p.classes[c], pooledBuffer{buffer: buffer, size: size, usage: usage})
}

// Clear frees every pooled buffer.
func (p *BufferPool) Clear() {
	for c := range p.classes {
		for _, pb := range p.classes[c] {
			pb.buffer.Release()
		}
		p.classes[c] = nil
	}
}

// Stats returns creation, release and reuse counters and the number of
// buffers currently pooled.
func (p *BufferPool) Stats() (allocated, released, hits, misses uint64, pooled int) {
	for _, bufs := range p.classes {
		pooled += len(bufs)
	}
	return p.allocated, p.released, p.hits, p.misses, pooled
}
