package reconcile

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// deviceLocks serializes reconciliation per device. Entries are never
// removed; the table is bounded by the number of registered devices.
type deviceLocks struct {
	m *xsync.Map[int64, *sync.Mutex]
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{m: xsync.NewMap[int64, *sync.Mutex]()}
}

// lock blocks until the device's mutex is held and returns its release.
func (l *deviceLocks) lock(deviceID int64) func() {
	mu, _ := l.m.LoadOrStore(deviceID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}
