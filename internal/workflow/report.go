package workflow

import (
	"fmt"
	"strings"
)

// Failure is one sub-operation that did not apply.
type Failure struct {
	Operation string
	Target    string
	Err       error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Operation, f.Target, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

type FailureInfo struct {
	Operation string `json:"operation"`
	Target    string `json:"target"`
	Error     string `json:"error"`
}

func (f Failure) Info() FailureInfo {
	info := FailureInfo{Operation: f.Operation, Target: f.Target}
	if f.Err != nil {
		info.Error = f.Err.Error()
	}
	return info
}

// PartialFailure enumerates the sub-operations of a workflow that failed
// while others succeeded. Successful steps are never discarded because of it.
type PartialFailure struct {
	Failures []Failure
}

func (p *PartialFailure) Error() string {
	parts := make([]string, 0, len(p.Failures))
	for _, f := range p.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%d operation(s) failed: %s", len(p.Failures), strings.Join(parts, "; "))
}

func (p *PartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(p.Failures))
	for _, f := range p.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Targets lists the targets of the failed operations in report order.
func (p *PartialFailure) Targets() []string {
	targets := make([]string, 0, len(p.Failures))
	for _, f := range p.Failures {
		targets = append(targets, f.Target)
	}
	return targets
}
