// Package bpfloader manages the tracked-PID eBPF map a process tracer uses to
// decide which process trees it follows.
//
// A running tracer pins its tracked_pids map on bpffs; Open attaches to that
// pin so already-running processes can be enrolled after the tracer started.
// New creates a private map with the same layout for standalone use.
package bpfloader

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
)

// DefaultPinPath is where process-tracer pins its tracked_pids map.
const DefaultPinPath = "/sys/fs/bpf/process_tracer/tracked_pids"

// DefaultMaxEntries bounds a private tracked_pids map.
const DefaultMaxEntries = 16384

var (
	// ErrMapUnavailable means the tracked_pids map could not be opened or created.
	ErrMapUnavailable = errors.New("bpfloader: tracked_pids map unavailable")
	// ErrMapLayout means an opened map does not have the tracked_pids layout.
	ErrMapLayout = errors.New("bpfloader: unexpected map layout")
)

// TrackedPIDsSpec describes the tracked_pids map: u32 PID -> u8 flag.
func TrackedPIDsSpec(maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "tracked_pids",
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  1,
		MaxEntries: maxEntries,
	}
}

// Loader owns a handle on a tracked_pids map.
type Loader struct {
	tracked *ebpf.Map
	pinPath string
}

// Open loads the tracked_pids map pinned at pinPath.
func Open(pinPath string) (*Loader, error) {
	m, err := ebpf.LoadPinnedMap(pinPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: loading pinned map %s: %w", ErrMapUnavailable, pinPath, err)
	}

	if err := checkLayout(m); err != nil {
		_ = m.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, err
	}

	return &Loader{tracked: m, pinPath: pinPath}, nil
}

// New creates an unpinned tracked_pids map owned by this process.
func New(maxEntries uint32) (*Loader, error) {
	// Kernels before 5.11 account map memory against RLIMIT_MEMLOCK.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("%w: removing memlock limit: %w", ErrMapUnavailable, err)
	}

	m, err := ebpf.NewMap(TrackedPIDsSpec(maxEntries))
	if err != nil {
		return nil, fmt.Errorf("%w: creating map: %w", ErrMapUnavailable, err)
	}

	return &Loader{tracked: m}, nil
}

func checkLayout(m *ebpf.Map) error {
	if m.Type() != ebpf.Hash || m.KeySize() != 4 || m.ValueSize() != 1 {
		return fmt.Errorf("%w: type=%s key=%d value=%d", ErrMapLayout, m.Type(), m.KeySize(), m.ValueSize())
	}
	return nil
}

// PinPath returns the bpffs path the map was opened from, or "" for a private map.
func (l *Loader) PinPath() string {
	return l.pinPath
}

// TrackPID adds a PID to the tracked_pids map.
func (l *Loader) TrackPID(pid uint32) error {
	val := uint8(1)
	if err := l.tracked.Put(&pid, &val); err != nil {
		return fmt.Errorf("adding PID %d to tracked map: %w", pid, err)
	}
	return nil
}

// IsTracked reports whether a PID is already in the tracked_pids map.
func (l *Loader) IsTracked(pid uint32) (bool, error) {
	var val uint8
	err := l.tracked.Lookup(&pid, &val)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up PID %d in tracked map: %w", pid, err)
	}
	return val != 0, nil
}

// Close releases the map handle. A pinned map stays in the kernel.
func (l *Loader) Close() error {
	if l.tracked == nil {
		return nil
	}
	if err := l.tracked.Close(); err != nil {
		return fmt.Errorf("closing tracked map: %w", err)
	}
	return nil
}
