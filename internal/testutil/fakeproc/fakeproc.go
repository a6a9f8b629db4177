// Package fakeproc builds synthetic /proc trees for tests.
package fakeproc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// Process describes one /proc/<pid> entry.
type Process struct {
	PID        uint32
	PPID       uint32
	UID        uint32
	Comm       string
	Exe        string // empty means no exe link (kernel thread)
	StartTicks uint64
	Args       []string
	Env        []string
	// NoEnviron leaves environ out, as when it is unreadable.
	NoEnviron bool
}

// Root is a synthetic procfs root.
type Root struct {
	t   testing.TB
	Dir string
}

// New creates an empty procfs root with a stat file carrying btime.
func New(t testing.TB) *Root {
	t.Helper()
	dir := t.TempDir()
	r := &Root{t: t, Dir: dir}
	r.write(filepath.Join(dir, "stat"), "cpu  1 2 3 4\nbtime 1700000000\nprocesses 42\n")
	return r
}

// Add writes p under the root, replacing any previous entry for the PID.
func (r *Root) Add(p Process) {
	r.t.Helper()
	dir := filepath.Join(r.Dir, strconv.FormatUint(uint64(p.PID), 10))
	if err := os.RemoveAll(dir); err != nil {
		r.t.Fatalf("fakeproc: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.t.Fatalf("fakeproc: %v", err)
	}

	comm := p.Comm
	if comm == "" {
		comm = filepath.Base(p.Exe)
	}
	// Fields 3..22 of stat: state, ppid, then filler up to starttime.
	fields := []string{"S", strconv.FormatUint(uint64(p.PPID), 10)}
	for len(fields) < 19 {
		fields = append(fields, "0")
	}
	fields = append(fields, strconv.FormatUint(p.StartTicks, 10), "0", "0")
	r.write(filepath.Join(dir, "stat"), fmt.Sprintf("%d (%s) %s\n", p.PID, comm, strings.Join(fields, " ")))

	r.write(filepath.Join(dir, "status"), fmt.Sprintf("Name:\t%s\nUid:\t%d\t%d\t%d\t%d\n", comm, p.UID, p.UID, p.UID, p.UID))
	r.write(filepath.Join(dir, "cmdline"), nulJoin(p.Args))
	if !p.NoEnviron {
		r.write(filepath.Join(dir, "environ"), nulJoin(p.Env))
	}

	if p.Exe != "" {
		if err := os.Symlink(p.Exe, filepath.Join(dir, "exe")); err != nil {
			r.t.Fatalf("fakeproc: %v", err)
		}
	}
}

// Remove deletes the entry for pid, as when the process exits.
func (r *Root) Remove(pid uint32) {
	r.t.Helper()
	if err := os.RemoveAll(filepath.Join(r.Dir, strconv.FormatUint(uint64(pid), 10))); err != nil {
		r.t.Fatalf("fakeproc: %v", err)
	}
}

func (r *Root) write(path, content string) {
	r.t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		r.t.Fatalf("fakeproc: %v", err)
	}
}

func nulJoin(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\x00") + "\x00"
}
