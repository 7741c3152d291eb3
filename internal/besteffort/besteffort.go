// Package besteffort runs cleanup steps that must never fail the caller.
package besteffort

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
)

// Step is a named cleanup action.
type Step struct {
	Name string
	Fn   func() error
}

// Run executes every step in order, recovering panics, and logs the combined
// failures. The returned error is informational only; callers on teardown
// paths are expected to ignore it.
func Run(op, owner string, steps ...Step) error {
	var errs error
	for _, s := range steps {
		if err := call(s); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	if errs != nil {
		logging.Warn("Best-effort cleanup had failures",
			logging.Op(op),
			logging.Owner(owner),
			logging.Int("failures", len(multierr.Errors(errs))),
			logging.Err(errs),
		)
	}
	return errs
}

// Close wraps a Close-like method as a step.
func Close(name string, fn func() error) Step {
	return Step{Name: name, Fn: fn}
}

func call(s Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s.Fn == nil {
		return nil
	}
	return s.Fn()
}
