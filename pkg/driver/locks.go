package driver

import "sync"

// VolumeLocks tracks volumes with an operation in flight. A second call
// for the same volume is refused rather than queued, and the CO retries it.
type VolumeLocks struct {
	inFlight map[string]struct{}
	mu       sync.Mutex
}

// NewVolumeLocks creates an empty lock set.
func NewVolumeLocks() *VolumeLocks {
	return &VolumeLocks{inFlight: make(map[string]struct{})}
}

// TryAcquire marks id as busy. It returns false when id already is.
func (l *VolumeLocks) TryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[id]; busy {
		return false
	}
	l.inFlight[id] = struct{}{}
	return true
}

// Release clears id.
func (l *VolumeLocks) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, id)
}
