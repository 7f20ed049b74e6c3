package reconcile

import "sync/atomic"

// Watermark is the longest gap, in seconds, observed between consecutive
// beats since the process started, seeded from persisted absences. It only
// ever increases and is safe for concurrent use.
type Watermark struct {
	v atomic.Int64
}

// NewWatermark returns a Watermark starting at initial seconds.
func NewWatermark(initial int64) *Watermark {
	w := &Watermark{}
	w.v.Store(initial)
	return w
}

// Observe raises the watermark to seconds if it is larger and returns the
// resulting value.
func (w *Watermark) Observe(seconds int64) int64 {
	for {
		cur := w.v.Load()
		if seconds <= cur {
			return cur
		}
		if w.v.CompareAndSwap(cur, seconds) {
			return seconds
		}
	}
}

// Load returns the current watermark.
func (w *Watermark) Load() int64 {
	return w.v.Load()
}
