package attach

import (
	"context"
	"sync"
)

// fakeHost serves a fixed snapshot and scripts per-unit apply failures.
type fakeHost struct {
	mu          sync.Mutex
	units       []Unit
	snapshotErr error
	applyErr    map[ID]error
	applyPanic  map[ID]string
	onApply     func(Unit)

	snapshots    int
	applyCalls   map[ID]int
	applySuccess map[ID]int
}

func newFakeHost(units ...Unit) *fakeHost {
	return &fakeHost{
		units:        units,
		applyErr:     make(map[ID]error),
		applyPanic:   make(map[ID]string),
		applyCalls:   make(map[ID]int),
		applySuccess: make(map[ID]int),
	}
}

func (h *fakeHost) Snapshot(_ context.Context) ([]Unit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots++
	if h.snapshotErr != nil {
		return nil, h.snapshotErr
	}
	out := make([]Unit, len(h.units))
	copy(out, h.units)
	return out, nil
}

func (h *fakeHost) Apply(_ context.Context, u Unit) error {
	h.mu.Lock()
	h.applyCalls[u.ID]++
	err := h.applyErr[u.ID]
	msg, panics := h.applyPanic[u.ID]
	hook := h.onApply
	h.mu.Unlock()

	if hook != nil {
		hook(u)
	}
	if panics {
		panic(msg)
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.applySuccess[u.ID]++
	h.mu.Unlock()
	return nil
}

func (h *fakeHost) totalApplyCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.applyCalls {
		n += c
	}
	return n
}

// checkingHost adds a live modifiability re-check to fakeHost.
type checkingHost struct {
	*fakeHost
	live    map[ID]bool
	liveErr map[ID]error
}

func (h *checkingHost) Modifiable(_ context.Context, u Unit) (bool, error) {
	if err := h.liveErr[u.ID]; err != nil {
		return false, err
	}
	ok, known := h.live[u.ID]
	if !known {
		return true, nil
	}
	return ok, nil
}

// fakePort answers from a table and records every query.
type fakePort struct {
	mu      sync.Mutex
	needs   map[ID]bool
	errs    map[ID]error
	panics  map[ID]string
	queried []ID
}

func newFakePort(needs map[ID]bool) *fakePort {
	return &fakePort{
		needs:  needs,
		errs:   make(map[ID]error),
		panics: make(map[ID]string),
	}
}

func (p *fakePort) NeedsTransformation(_ context.Context, u Unit) (bool, error) {
	p.mu.Lock()
	p.queried = append(p.queried, u.ID)
	err := p.errs[u.ID]
	msg, panics := p.panics[u.ID]
	needs := p.needs[u.ID]
	p.mu.Unlock()

	if panics {
		panic(msg)
	}
	return needs, err
}

func (p *fakePort) wasQueried(id ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.queried {
		if q == id {
			return true
		}
	}
	return false
}
