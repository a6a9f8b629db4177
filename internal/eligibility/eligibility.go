// Package eligibility decides whether a unit may be considered for
// transformation based on its identity alone.
//
// Units whose identity starts with a reserved prefix (the init system,
// privileged system daemons and helpers) are never offered to the
// transformation engine. The decision is pure: no state, no I/O.
package eligibility

import "strings"

// DefaultReservedPrefixes are the executable path prefixes excluded when no
// explicit list is configured.
var DefaultReservedPrefixes = []string{
	"/usr/lib/systemd/",
	"/lib/systemd/",
	"/usr/sbin/",
	"/sbin/",
	"/usr/libexec/",
}

// Filter rejects identities under reserved prefixes.
type Filter struct {
	prefixes []string
}

// New creates a filter for the given prefixes.
// Blank prefixes are dropped since they would match every identity.
func New(prefixes []string) *Filter {
	kept := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if strings.TrimSpace(p) == "" {
			continue
		}
		kept = append(kept, p)
	}
	return &Filter{prefixes: kept}
}

// NewDefault creates a filter using DefaultReservedPrefixes.
func NewDefault() *Filter {
	return New(DefaultReservedPrefixes)
}

// Eligible reports whether id falls outside every reserved prefix.
func (f *Filter) Eligible(id string) bool {
	for _, p := range f.prefixes {
		if strings.HasPrefix(id, p) {
			return false
		}
	}
	return true
}

// Prefixes returns a copy of the reserved prefixes.
func (f *Filter) Prefixes() []string {
	out := make([]string, len(f.prefixes))
	copy(out, f.prefixes)
	return out
}
