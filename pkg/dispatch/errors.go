package dispatch

import (
	"errors"
	"fmt"
)

// Dispatch failure kinds. Callers branch with errors.Is; each kind tells an
// operator something different: backpressure and budget exhaustion are "try
// again later", no-eligible-node means the subnet itself is down.
var (
	ErrNodeUnreachable      = errors.New("node unreachable")
	ErrNoEligibleNode       = errors.New("no eligible node")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrBackpressure         = errors.New("backpressure")
	ErrUpstream             = errors.New("upstream error")
)

// Error is the dispatch failure type. Kind is one of the sentinels above;
// errors.Is matches against it, and Unwrap exposes the underlying cause
// (usually the last transport error).
type Error struct {
	Kind     error
	Subnet   string
	NodeID   string
	Attempts int
	cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("dispatch %s: %v", e.Subnet, e.Kind)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" (node %s)", e.NodeID)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.cause
}
