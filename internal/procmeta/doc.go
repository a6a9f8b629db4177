// Package procmeta collects and manages process metadata.
//
// Collect reads /proc/<pid> (stat, status, exe, cmdline, environ) into a
// ProcessMetadata used for unit identity and policy evaluation.
//
// Manager provides command-query separation:
//
// Queries (read-only):
//   - Get(pid) - Retrieve metadata
//   - GetError(pid) - Retrieve collection errors
//   - GetIssues(pid) - Retrieve capture warnings
//   - PIDs() - List PIDs with metadata
//
// Commands (mutations):
//   - Set(pid, metadata) - Store metadata
//   - SetError(pid, err) - Store collection error
//   - AddIssues(pid, issues) - Add capture warnings
//   - Delete(pid) - Clean up on process exit
//
// Thread-safe with RWMutex for concurrent access.
package procmeta
