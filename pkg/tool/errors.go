package tool

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindTransport        Kind = "transport"
	KindProtocol         Kind = "protocol"
	KindTimeout          Kind = "timeout"
	KindPermissionDenied Kind = "permission_denied"
	KindTrustDenied      Kind = "trust_denied"
	KindAnomalyRejected  Kind = "anomaly_rejected"
	KindAuditWriteFailed Kind = "audit_write_failed"
	KindNotFound         Kind = "not_found"
	KindToolFailed       Kind = "tool_failed"
)

var (
	// ErrValidation is returned for unsafe commands, environments, paths or arguments
	ErrValidation = errors.New("validation failed")

	// ErrTransport is returned when a provider cannot be spawned or its pipe breaks
	ErrTransport = errors.New("transport failure")

	// ErrProtocol is returned for malformed or uncorrelated provider responses
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout is returned when a call exceeds its timeout
	ErrTimeout = errors.New("call timed out")

	// ErrPermissionDenied is returned when the static policy denies a call
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTrustDenied is returned when the origin's trust level is too low
	ErrTrustDenied = errors.New("insufficient trust")

	// ErrAnomalyRejected is returned when an origin was recently flagged and blocking is enabled
	ErrAnomalyRejected = errors.New("rejected after anomaly")

	// ErrAuditWriteFailed is returned when a required durable audit write fails
	ErrAuditWriteFailed = errors.New("audit write failed")

	// ErrNotFound is returned when a tool is not in the catalog
	ErrNotFound = errors.New("tool not found")

	// ErrToolFailed is returned when a backend ran the tool and it reported failure
	ErrToolFailed = errors.New("tool failed")
)

var kindSentinels = map[Kind]error{
	KindValidation:       ErrValidation,
	KindTransport:        ErrTransport,
	KindProtocol:         ErrProtocol,
	KindTimeout:          ErrTimeout,
	KindPermissionDenied: ErrPermissionDenied,
	KindTrustDenied:      ErrTrustDenied,
	KindAnomalyRejected:  ErrAnomalyRejected,
	KindAuditWriteFailed: ErrAuditWriteFailed,
	KindNotFound:         ErrNotFound,
	KindToolFailed:       ErrToolFailed,
}

// ExecutionError is the single error type surfaced by the pipeline. It carries
// the call id and origin so callers never see a raw backend error.
type ExecutionError struct {
	Kind   Kind
	CallID string
	Tool   string
	Origin Origin
	Level  TrustLevel
	Reason string
	Err    error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("tool %s", e.Tool)
	if e.Tool == "" {
		msg = "tool call"
	}
	if e.Origin.Kind != "" {
		msg += " (" + e.Origin.String() + ")"
	}
	switch e.Kind {
	case KindTrustDenied:
		msg += fmt.Sprintf(" was denied: insufficient trust (%s)", e.Level)
	case KindPermissionDenied:
		msg += " was denied: permission denied"
	default:
		msg += " failed: " + string(e.Kind)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.CallID != "" {
		msg += " [call " + e.CallID + "]"
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel, so errors.Is(err, ErrTrustDenied) works on
// any ExecutionError of that kind.
func (e *ExecutionError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// NewError builds an ExecutionError of the given kind.
func NewError(kind Kind, reason string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the kind of err, or "" if it is not pipeline-classified.
func KindOf(err error) Kind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// WithCall returns err annotated with call identity. Non-pipeline errors are
// wrapped as transport failures.
func WithCall(err error, call Call, desc Descriptor) *ExecutionError {
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		kind := KindOf(err)
		if kind == "" {
			kind = KindTransport
		}
		execErr = &ExecutionError{Kind: kind, Err: err}
	} else {
		copied := *execErr
		execErr = &copied
	}
	execErr.CallID = call.ID
	if execErr.Tool == "" {
		execErr.Tool = desc.QualifiedName()
	}
	if execErr.Origin.Kind == "" {
		execErr.Origin = desc.Origin
	}
	return execErr
}
