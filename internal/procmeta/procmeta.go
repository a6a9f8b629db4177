package procmeta

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ClockTicks is USER_HZ, the unit of start times in /proc/<pid>/stat.
// It is 100 on every Linux architecture Go supports.
const ClockTicks = 100

var (
	// ErrNoProcess means /proc/<pid> does not exist (the process exited).
	ErrNoProcess = errors.New("procmeta: no such process")
	// ErrKernelThread means the task has no user-space executable.
	ErrKernelThread = errors.New("procmeta: kernel thread")
	// ErrMalformedStat means /proc/<pid>/stat could not be parsed.
	ErrMalformedStat = errors.New("procmeta: malformed stat")
)

// ProcessMetadata holds structured process information for expression evaluation.
type ProcessMetadata struct {
	PID         uint32
	PPID        uint32
	UID         uint32
	Comm        string            // Short command name from stat
	Exe         string            // Resolved executable path
	StartTicks  uint64            // Start time in clock ticks since boot
	Environ     map[string]string // Parsed environment variables
	Args        []string          // Command-line arguments
	CmdlineFull string            // Full command line as single string
	Issues      []string          // Non-fatal capture warnings
}

// StartOffset returns the process start time as a duration since boot.
func (m *ProcessMetadata) StartOffset() time.Duration {
	//nolint:gosec // start ticks fit in int64 for any realistic uptime
	return time.Duration(m.StartTicks) * time.Second / ClockTicks
}

// Collect reads metadata for pid under procRoot.
//
// A missing /proc/<pid> yields ErrNoProcess and a task without an exe link
// yields ErrKernelThread. Unreadable environ or cmdline (another user's
// process) is recorded in Issues rather than failing.
func Collect(procRoot string, pid uint32) (*ProcessMetadata, error) {
	dir := filepath.Join(procRoot, strconv.FormatUint(uint64(pid), 10))

	stat, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %d", ErrNoProcess, pid)
		}
		return nil, fmt.Errorf("reading stat for %d: %w", pid, err)
	}

	meta := &ProcessMetadata{
		PID:     pid,
		Environ: make(map[string]string),
	}
	if err := parseStat(stat, meta); err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}

	exe, err := os.Readlink(filepath.Join(dir, "exe"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %d (%s)", ErrKernelThread, pid, meta.Comm)
		}
		return nil, fmt.Errorf("resolving exe for %d: %w", pid, err)
	}
	meta.Exe = exe

	if uid, err := readUID(filepath.Join(dir, "status")); err != nil {
		meta.Issues = append(meta.Issues, fmt.Sprintf("status: %v", err))
	} else {
		meta.UID = uid
	}

	if raw, err := os.ReadFile(filepath.Join(dir, "cmdline")); err != nil {
		meta.Issues = append(meta.Issues, fmt.Sprintf("cmdline: %v", err))
	} else {
		meta.Args, meta.CmdlineFull = parseCmdline(splitNUL(raw))
	}

	if raw, err := os.ReadFile(filepath.Join(dir, "environ")); err != nil {
		meta.Issues = append(meta.Issues, fmt.Sprintf("environ: %v", err))
	} else {
		meta.Environ = parseEnviron(splitNUL(raw))
	}

	return meta, nil
}

// ListPIDs returns the numeric entries of procRoot.
func ListPIDs(procRoot string) ([]uint32, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", procRoot, err)
	}

	pids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		pids = append(pids, uint32(pid))
	}
	return pids, nil
}

// ReadStartTicks returns the start time of pid, used to detect PID reuse.
func ReadStartTicks(procRoot string, pid uint32) (uint64, error) {
	stat, err := os.ReadFile(filepath.Join(procRoot, strconv.FormatUint(uint64(pid), 10), "stat"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %d", ErrNoProcess, pid)
		}
		return 0, err
	}
	var meta ProcessMetadata
	if err := parseStat(stat, &meta); err != nil {
		return 0, err
	}
	return meta.StartTicks, nil
}

// parseStat extracts comm, ppid and starttime from /proc/<pid>/stat.
// comm may contain spaces and parentheses, so it is delimited by the last ')'.
func parseStat(raw []byte, meta *ProcessMetadata) error {
	open := bytes.IndexByte(raw, '(')
	closing := bytes.LastIndexByte(raw, ')')
	if open < 0 || closing < open {
		return ErrMalformedStat
	}
	meta.Comm = string(raw[open+1 : closing])

	// Fields after comm start at field 3 (state); ppid is field 4 and
	// starttime is field 22.
	fields := strings.Fields(string(raw[closing+1:]))
	if len(fields) < 20 {
		return fmt.Errorf("%w: %d fields after comm", ErrMalformedStat, len(fields))
	}

	ppid, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return fmt.Errorf("%w: ppid: %v", ErrMalformedStat, err)
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: starttime: %v", ErrMalformedStat, err)
	}

	meta.PPID = uint32(ppid)
	meta.StartTicks = start
	return nil
}

// readUID returns the real UID from a status file.
func readUID(path string) (uint32, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = file.Close() //nolint:errcheck // Read-only file, defer cleanup
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "Uid:"))
		if len(fields) == 0 {
			break
		}
		uid, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("parsing Uid: %w", err)
		}
		return uint32(uid), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("uid not found in %s", path)
}

// splitNUL splits a NUL-separated /proc buffer, dropping the trailing terminator.
func splitNUL(raw []byte) []string {
	raw = bytes.TrimSuffix(raw, []byte{0})
	if len(raw) == 0 {
		return nil
	}
	return strings.Split(string(raw), "\x00")
}

// parseEnviron converts KEY=VALUE entries into a map. Entries without '=' or
// with an empty key are dropped; the last duplicate wins.
func parseEnviron(raw []string) map[string]string {
	env := make(map[string]string, len(raw))
	for _, entry := range raw {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// parseCmdline returns the argument vector and its space-joined form.
func parseCmdline(raw []string) ([]string, string) {
	args := make([]string, len(raw))
	copy(args, raw)
	return args, strings.Join(args, " ")
}
