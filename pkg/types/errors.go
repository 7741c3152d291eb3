// Package types defines error types for the sandbox orchestrator.
package types

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrClosedSandbox     = errors.New("sandbox is closed")
	ErrNotFound          = errors.New("record not found")
	ErrAlreadyExists     = errors.New("record already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPortUnavailable   = errors.New("no free port in range")
	ErrPortAllocated     = errors.New("port is already allocated")
	ErrAuth              = errors.New("authentication failed")
	ErrTimeout           = errors.New("operation timed out")
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindTransient
	KindProvisioning
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindTransient:
		return "transient"
	case KindProvisioning:
		return "provisioning"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// OpError wraps an error with the operation and owner it occurred in.
type OpError struct {
	Kind  Kind
	Op    string
	Owner string
	Err   error
}

func (e *OpError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Owner, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// InvalidArgument returns a non-retryable argument error.
func InvalidArgument(op, msg string) error {
	return &OpError{Kind: KindInvalidArgument, Op: op, Err: fmt.Errorf("%w: %s", ErrInvalidArgument, msg)}
}

// Transient marks err as a retryable infrastructure failure.
func Transient(op, owner string, err error) error {
	return &OpError{Kind: KindTransient, Op: op, Owner: owner, Err: err}
}

// Auth marks err as a credential failure that retrying cannot fix.
func Auth(op, owner string, err error) error {
	if !errors.Is(err, ErrAuth) {
		err = fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return &OpError{Kind: KindAuth, Op: op, Owner: owner, Err: err}
}

// ProvisioningError reports a resource that never became ready, with the
// describe/event output captured for operators.
type ProvisioningError struct {
	Owner       string
	Namespace   string
	Reason      string
	Diagnostics string
	Err         error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provisioning %s in %s failed: %s: %v", e.Owner, e.Namespace, e.Reason, e.Err)
	}
	return fmt.Sprintf("provisioning %s in %s failed: %s", e.Owner, e.Namespace, e.Reason)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Errors that carry no classification are unknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var perr *ProvisioningError
	if errors.As(err, &perr) {
		return KindProvisioning
	}
	var op *OpError
	if errors.As(err, &op) && op.Kind != KindUnknown {
		return op.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrPortAllocated), errors.Is(err, ErrTimeout):
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

func asProvisioning(err error, target **ProvisioningError) bool {
	return errors.As(err, target)
}
