package procfs

import (
	"context"
	"errors"

	"github.com/mrzor/late-attach/internal/attach"
	"github.com/mrzor/late-attach/internal/policy"
)

// ErrNoPolicy is returned by NewPort without a policy.
var ErrNoPolicy = errors.New("procfs: policy is required")

// Port implements attach.Port for procfs units.
type Port struct {
	host   *Host
	policy *policy.Policy
}

// NewPort creates a port that evaluates p against the host's metadata.
func NewPort(host *Host, p *policy.Policy) (*Port, error) {
	if p == nil {
		return nil, ErrNoPolicy
	}
	return &Port{host: host, policy: p}, nil
}

// NeedsTransformation reports false for a PID the tracker already follows,
// otherwise the policy's verdict on the process.
func (p *Port) NeedsTransformation(_ context.Context, u attach.Unit) (bool, error) {
	pid, err := p.host.pidFor(u.ID)
	if err != nil {
		return false, err
	}

	tracked, err := p.host.tracker.IsTracked(pid)
	if err != nil {
		return false, err
	}
	if tracked {
		return false, nil
	}

	meta, err := p.host.Metadata(u.ID)
	if err != nil {
		return false, err
	}
	startedAt := p.host.converter.SinceBootToWallClock(meta.StartOffset())
	return p.policy.Evaluate(meta, startedAt)
}
