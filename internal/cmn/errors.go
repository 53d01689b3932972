// Package cmn holds the domain error type shared by every prism component:
// a kind-carrying struct the per-package sentinels are built from, so
// errors.Is comparisons against a sentinel keep working while errors.As
// recovers the classification.
package cmn

import "errors"

// Kind classifies a domain error for propagation-policy decisions: which
// errors are retryable, which surface per-shard, which are fatal at
// construction.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindRouting        Kind = "routing"
	KindTimeout        Kind = "timeout"
	KindBackend        Kind = "backend"
	KindStorage        Kind = "storage"
	KindQuorum         Kind = "quorum"
	KindConfig         Kind = "config"
	KindPolicyMismatch Kind = "policy_mismatch"
)

// Error attaches a Kind to a domain error.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Kind() Kind { return e.kind }

// NewNotFoundError reports a missing entity; "what" names it with its
// package prefix ("cluster: node", "ilm: alias").
func NewNotFoundError(what string) *Error {
	return &Error{kind: KindNotFound, msg: what + " not found"}
}

func NewRoutingError(msg string) *Error { return &Error{kind: KindRouting, msg: msg} }

func NewTimeoutError(msg string) *Error { return &Error{kind: KindTimeout, msg: msg} }

func NewBackendError(msg string, cause error) *Error {
	return &Error{kind: KindBackend, msg: msg, cause: cause}
}

func NewStorageError(msg string, cause error) *Error {
	return &Error{kind: KindStorage, msg: msg, cause: cause}
}

func NewQuorumError(msg string) *Error { return &Error{kind: KindQuorum, msg: msg} }

func NewConfigError(msg string, cause error) *Error {
	return &Error{kind: KindConfig, msg: msg, cause: cause}
}

func NewPolicyMismatchError(msg string) *Error {
	return &Error{kind: KindPolicyMismatch, msg: msg}
}

// KindOf returns the Kind carried by err or anything it wraps.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return "", false
}
