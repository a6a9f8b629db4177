package procfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mrzor/late-attach/internal/attach"
	"github.com/mrzor/late-attach/internal/procmeta"
	"github.com/mrzor/late-attach/internal/timesync"
	"go.uber.org/zap"
)

var (
	// ErrProcessGone means the process exited after the snapshot.
	ErrProcessGone = errors.New("procfs: process exited")
	// ErrIdentityMismatch means the PID now belongs to a different process.
	ErrIdentityMismatch = errors.New("procfs: pid reused by another process")
	// ErrUnknownUnit means the unit is not part of the current snapshot.
	ErrUnknownUnit = errors.New("procfs: unit not in current snapshot")
	// ErrNoTracker is returned by NewHost without a tracker.
	ErrNoTracker = errors.New("procfs: tracker is required")
)

// Tracker enrolls PIDs with the tracer.
type Tracker interface {
	TrackPID(pid uint32) error
	IsTracked(pid uint32) (bool, error)
}

// Config wires a Host. Tracker is required.
type Config struct {
	ProcRoot  string
	Tracker   Tracker
	Metadata  *procmeta.Manager
	Converter *timesync.Converter
	Logger    *zap.Logger
	// SelfPID is never enrolled; defaults to the current process.
	SelfPID uint32
}

// Host implements attach.Host over procfs.
type Host struct {
	procRoot  string
	tracker   Tracker
	metadata  *procmeta.Manager
	converter *timesync.Converter
	logger    *zap.Logger
	self      uint32

	mu    sync.RWMutex
	index map[attach.ID]uint32 // unit ID -> PID, for the latest snapshot
	seen  map[uint32]struct{}  // every PID in the latest snapshot, readable or not
}

// NewHost creates a procfs host.
func NewHost(cfg Config) (*Host, error) {
	if cfg.Tracker == nil {
		return nil, ErrNoTracker
	}

	h := &Host{
		procRoot:  cfg.ProcRoot,
		tracker:   cfg.Tracker,
		metadata:  cfg.Metadata,
		converter: cfg.Converter,
		logger:    cfg.Logger,
		self:      cfg.SelfPID,
		index:     make(map[attach.ID]uint32),
		seen:      make(map[uint32]struct{}),
	}
	if h.procRoot == "" {
		h.procRoot = "/proc"
	}
	if h.metadata == nil {
		h.metadata = procmeta.NewManager()
	}
	if h.converter == nil {
		conv, err := timesync.NewConverterForRoot(h.procRoot)
		if err != nil {
			return nil, fmt.Errorf("creating time converter: %w", err)
		}
		h.converter = conv
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.self == 0 {
		//nolint:gosec // PIDs are positive and fit in uint32
		h.self = uint32(os.Getpid())
	}
	return h, nil
}

// Identity returns the unit ID for a process.
func Identity(meta *procmeta.ProcessMetadata) attach.ID {
	return fmt.Sprintf("%s@%d:%d", meta.Exe, meta.PID, meta.StartTicks)
}

// Register checks that the tracker answers before the first pass. Processes
// started from here on are followed by the tracer's own hooks.
func (h *Host) Register(_ context.Context) error {
	if _, err := h.tracker.IsTracked(h.self); err != nil {
		return fmt.Errorf("tracker not ready: %w", err)
	}
	h.logger.Info("Tracker ready", zap.String("proc_root", h.procRoot))
	return nil
}

// Snapshot lists the processes running now.
//
// Processes that exit while being listed are left out. Processes whose
// metadata cannot be read (kernel threads, permission denied) are included
// as unmodifiable so the pass accounts for them.
func (h *Host) Snapshot(ctx context.Context) ([]attach.Unit, error) {
	pids, err := procmeta.ListPIDs(h.procRoot)
	if err != nil {
		return nil, err
	}

	units := make([]attach.Unit, 0, len(pids))
	index := make(map[attach.ID]uint32, len(pids))
	seen := make(map[uint32]struct{}, len(pids))

	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		meta, err := procmeta.Collect(h.procRoot, pid)
		if err != nil {
			if errors.Is(err, procmeta.ErrNoProcess) {
				continue
			}
			seen[pid] = struct{}{}
			h.metadata.Delete(pid)
			h.metadata.SetError(pid, err)
			units = append(units, attach.Unit{ID: fmt.Sprintf("[%d]", pid), Modifiable: false})
			if !errors.Is(err, procmeta.ErrKernelThread) {
				h.logger.Debug("Process metadata unavailable", zap.Uint32("pid", pid), zap.Error(err))
			}
			continue
		}

		seen[pid] = struct{}{}
		h.metadata.Delete(pid)
		h.metadata.Set(pid, meta)
		if len(meta.Issues) > 0 {
			h.metadata.AddIssues(pid, meta.Issues)
		}

		id := Identity(meta)
		index[id] = pid
		units = append(units, attach.Unit{ID: id, Modifiable: pid != h.self})
	}

	h.mu.Lock()
	prev := h.seen
	h.index = index
	h.seen = seen
	h.mu.Unlock()

	// Forget processes that exited since the previous snapshot, including
	// those whose metadata could not be read. A shared Manager may also hold
	// PIDs this host never listed.
	for _, pid := range h.metadata.PIDs() {
		prev[pid] = struct{}{}
	}
	for pid := range prev {
		if _, ok := seen[pid]; !ok {
			h.metadata.Delete(pid)
		}
	}

	return units, nil
}

// Modifiable re-checks that the unit's PID still belongs to the same process.
func (h *Host) Modifiable(_ context.Context, u attach.Unit) (bool, error) {
	pid, err := h.pidFor(u.ID)
	if err != nil {
		return false, err
	}
	if err := h.verify(pid); err != nil {
		if errors.Is(err, ErrProcessGone) || errors.Is(err, ErrIdentityMismatch) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Apply enrolls the unit's PID with the tracker.
func (h *Host) Apply(_ context.Context, u attach.Unit) error {
	pid, err := h.pidFor(u.ID)
	if err != nil {
		return err
	}
	if err := h.verify(pid); err != nil {
		return err
	}
	if err := h.tracker.TrackPID(pid); err != nil {
		return err
	}
	h.logger.Debug("Process enrolled", zap.Uint32("pid", pid), zap.String("unit", u.ID))
	return nil
}

// Metadata returns the metadata collected by the latest snapshot for a unit.
func (h *Host) Metadata(id attach.ID) (*procmeta.ProcessMetadata, error) {
	pid, err := h.pidFor(id)
	if err != nil {
		return nil, err
	}
	meta := h.metadata.Get(pid)
	if meta == nil {
		if cerr := h.metadata.GetError(pid); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	return meta, nil
}

func (h *Host) pidFor(id attach.ID) (uint32, error) {
	h.mu.RLock()
	pid, ok := h.index[id]
	h.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	return pid, nil
}

// verify compares the live start time of pid with the snapshot's.
func (h *Host) verify(pid uint32) error {
	meta := h.metadata.Get(pid)
	if meta == nil {
		return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}

	ticks, err := procmeta.ReadStartTicks(h.procRoot, pid)
	if err != nil {
		if errors.Is(err, procmeta.ErrNoProcess) {
			return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
		}
		return err
	}
	if ticks != meta.StartTicks {
		return fmt.Errorf("%w: pid %d started at %d, snapshot saw %d", ErrIdentityMismatch, pid, ticks, meta.StartTicks)
	}
	return nil
}
