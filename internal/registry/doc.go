// Package registry records which units have been successfully transformed.
//
// Registry provides command-query separation:
//
// Queries (read-only):
//   - IsRecorded(id) - Has the unit committed a transformation?
//   - Len() - Number of recorded units
//   - List() - Sorted copy of recorded identities
//
// Commands (mutations):
//   - Record(id) - Commit a unit; recording twice is a no-op
//
// There is no delete: a record transitions false to true exactly once and
// stays for the life of the process. Default returns the process-wide
// instance shared by every attach pass. Thread-safe with RWMutex so readers
// outside a pass never block each other.
package registry
