package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/late-attach/internal/procmeta"
)

var (
	// ErrEmptyExpression is returned when compiling a blank expression.
	ErrEmptyExpression = errors.New("policy: empty expression")
	// ErrNotBool is returned when an expression does not evaluate to a bool.
	ErrNotBool = errors.New("policy: expression did not return a bool")
	// ErrNoMetadata is returned when evaluating without process metadata.
	ErrNoMetadata = errors.New("policy: no process metadata")
)

// Policy is a compiled enrollment expression.
type Policy struct {
	source  string
	program *vm.Program
	now     func() time.Time
}

// typeEnv fixes the variable types the compiler checks against.
func typeEnv() map[string]interface{} {
	return map[string]interface{}{
		"env":         map[string]string{},
		"args":        []string{},
		"cmdline":     "",
		"exe":         "",
		"comm":        "",
		"pid":         0,
		"ppid":        0,
		"uid":         0,
		"age_seconds": 0.0,
	}
}

// Compile parses and type-checks source.
func Compile(source string) (*Policy, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptyExpression
	}

	program, err := expr.Compile(source, expr.Env(typeEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy %q: %w", source, err)
	}

	return &Policy{
		source:  source,
		program: program,
		now:     time.Now,
	}, nil
}

// Source returns the expression the policy was compiled from.
func (p *Policy) Source() string {
	return p.source
}

// Evaluate runs the policy against one process.
// startedAt is the wall-clock start time; a zero value yields age_seconds 0.
func (p *Policy) Evaluate(metadata *procmeta.ProcessMetadata, startedAt time.Time) (bool, error) {
	if metadata == nil {
		return false, ErrNoMetadata
	}

	age := 0.0
	if !startedAt.IsZero() {
		age = p.now().Sub(startedAt).Seconds()
	}

	env := map[string]interface{}{
		"env":         metadata.Environ,
		"args":        metadata.Args,
		"cmdline":     metadata.CmdlineFull,
		"exe":         metadata.Exe,
		"comm":        metadata.Comm,
		"pid":         int(metadata.PID),
		"ppid":        int(metadata.PPID),
		"uid":         int(metadata.UID),
		"age_seconds": age,
	}
	if metadata.Environ == nil {
		env["env"] = map[string]string{}
	}
	if metadata.Args == nil {
		env["args"] = []string{}
	}

	output, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating policy %q for pid %d: %w", p.source, metadata.PID, err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %T", ErrNotBool, output)
	}
	return result, nil
}
