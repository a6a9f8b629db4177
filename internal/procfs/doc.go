// Package procfs is the attach host for a Linux process tracer.
//
// Loaded units are the processes listed under the procfs root. A unit's
// identity is "<exe>@<pid>:<start ticks>", so the executable path can be
// matched against reserved prefixes and a reused PID never aliases an
// earlier process. Applying the transformation enrolls the PID into the
// tracer's tracked_pids map through a Tracker; the tracer's own exec/fork
// hooks then follow the process tree.
//
// Port answers the transformation query: a PID already present in the map
// needs nothing, otherwise the compiled policy decides.
package procfs
