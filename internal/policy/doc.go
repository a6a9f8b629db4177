// Package policy compiles and evaluates the expression that decides whether a
// process should be enrolled for tracing.
//
// Expressions use the expr language and see the process metadata:
//
//	env          map[string]string  environment variables
//	args         []string           command-line arguments
//	cmdline      string             arguments joined by spaces
//	exe          string             resolved executable path
//	comm         string             short command name
//	pid, ppid    int                process and parent IDs
//	uid          int                real user ID
//	age_seconds  float              time since the process started
//
// The expression must produce a bool. Examples:
//
//	env["OTEL_TRACE"] == "1"
//	exe startsWith "/opt/app/" && uid >= 1000
//	"--trace" in args
package policy
