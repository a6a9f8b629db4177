package procfs

import (
	"sort"
	"sync"
)

// DryRunTracker keeps enrollments in memory instead of a kernel map.
// The scan command uses it to show what a run would enroll.
type DryRunTracker struct {
	mu      sync.Mutex
	tracked map[uint32]struct{}
}

// NewDryRunTracker creates an empty in-memory tracker.
func NewDryRunTracker() *DryRunTracker {
	return &DryRunTracker{tracked: make(map[uint32]struct{})}
}

// TrackPID records pid.
func (t *DryRunTracker) TrackPID(pid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[pid] = struct{}{}
	return nil
}

// IsTracked reports whether pid was recorded.
func (t *DryRunTracker) IsTracked(pid uint32) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tracked[pid]
	return ok, nil
}

// Tracked returns the recorded PIDs in ascending order.
func (t *DryRunTracker) Tracked() []uint32 {
	t.mu.Lock()
	pids := make([]uint32, 0, len(t.tracked))
	for pid := range t.tracked {
		pids = append(pids, pid)
	}
	t.mu.Unlock()

	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}
