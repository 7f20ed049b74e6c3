package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatermarkObserve(t *testing.T) {
	w := NewWatermark(100)

	assert.Equal(t, int64(100), w.Observe(50))
	assert.Equal(t, int64(100), w.Load())

	assert.Equal(t, int64(200), w.Observe(200))
	assert.Equal(t, int64(200), w.Load())
}

func TestWatermarkConcurrentMonotonic(t *testing.T) {
	w := NewWatermark(0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			var last int64
			for i := 0; i < 1000; i++ {
				got := w.Observe(int64(i*8 + g))
				assert.GreaterOrEqual(t, got, last)
				last = got
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(999*8+7), w.Load())
}

func TestDeviceLocksSerialize(t *testing.T) {
	locks := newDeviceLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(7)
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}
