// Package attach runs the attach-time pass that brings already-loaded units
// into compliance with a transformation policy.
//
// A pass takes one snapshot of the host's loaded units and walks it in host
// order:
//
//	snapshot ──→ modifiable? ──→ eligible? ──→ recorded? ──→ needs? ──→ apply ──→ record
//	                 │               │             │            │          │
//	                 └── skip        └── skip      └── skip     └── skip   └── fault (continue)
//
// Units loaded after the snapshot are not covered; the host's registered
// hook handles them. A fault on one unit is reported in the pass Report and
// never stops the scan. After the whole snapshot has been walked the
// process-wide marker is published. Failing to take the snapshot aborts the
// pass without publishing anything.
//
// Running a pass again only attempts units that are still unrecorded.
package attach
