package cpu

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kgraph/internal/device"
)

func TestStream_Order(t *testing.T) {
	s := newStream()
	defer s.close()

	var got []int
	for i := range 100 {
		require.NoError(t, s.submit(func() { got = append(got, i) }))
	}
	s.synchronize()

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestStream_ConcurrentSubmitSynchronize(t *testing.T) {
	s := newStream()
	defer s.close()

	const goroutines, rounds = 8, 500
	var ran atomic.Int64
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				var mine atomic.Bool
				if err := s.submit(func() {
					mine.Store(true)
					ran.Add(1)
				}); err != nil {
					t.Error(err)
					return
				}
				s.synchronize()
				if !mine.Load() {
					t.Error("synchronize returned before the task submitted ahead of it ran")
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(goroutines*rounds), ran.Load())
}

func TestStream_RunAfterClose(t *testing.T) {
	s := newStream()
	var ran atomic.Bool
	require.NoError(t, s.submit(func() { ran.Store(true) }))
	s.close()
	assert.True(t, ran.Load(), "close drains queued work")

	assert.ErrorIs(t, s.submit(func() {}), errReleased)
	assert.ErrorIs(t, s.run(func() error { return nil }), errReleased)
	s.synchronize()
	s.close()
}

func TestDevice_ConcurrentReadWrite(t *testing.T) {
	d := New(WithWorkers(2))
	defer d.Release()

	l := vector(t, 16)
	p, err := d.Compile([]string{addKernel}, "add_kernel", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			values := make([]float32, 16)
			for i := range values {
				values[i] = float32(g)
			}
			a := upload(t, d, l, values)
			defer a.Release()
			out, err := d.Allocate(uint64(l.ByteSize()))
			if !assert.NoError(t, err) {
				return
			}
			defer out.Release()

			for range 50 {
				if !assert.NoError(t, d.Dispatch(p, []device.Memory{a, a, out}, device.WorkSize{Global: []int{16}})) {
					return
				}
				got := download(t, d, l, out)
				assert.Equal(t, float32(2*g), got[15])
				assert.NoError(t, d.Finish())
			}
		}()
	}
	wg.Wait()
}

func TestDevice_ReleaseWhileWriting(t *testing.T) {
	d := New()
	l := vector(t, 4)
	mem, err := d.Allocate(uint64(l.ByteSize()))
	require.NoError(t, err)
	p, err := d.Compile([]string{addKernel}, "add_kernel", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := make([]byte, l.ByteSize())
			for range 200 {
				if err := d.Write(mem, data); err != nil {
					assert.ErrorIs(t, err, errReleased)
					return
				}
				if err := d.Dispatch(p, []device.Memory{mem, mem, mem}, device.WorkSize{Global: []int{4}}); err != nil {
					assert.ErrorIs(t, err, errReleased)
					return
				}
			}
		}()
	}
	d.Release()
	wg.Wait()

	assert.ErrorIs(t, d.Write(mem, make([]byte, l.ByteSize())), errReleased)
	assert.ErrorIs(t, d.Finish(), errReleased)
}
