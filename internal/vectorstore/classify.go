package vectorstore

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies connection failures.
type ErrorKind string

const (
	KindTransient        ErrorKind = "transient"
	KindIdentityMismatch ErrorKind = "identity_mismatch"
	KindPermanent        ErrorKind = "permanent"
)

const identityMismatchText = "server id mismatch"

// IsIdentityMismatch reports whether err means the server restarted behind
// a cached session. Typed errors win; the message check covers drivers
// that only surface text.
func IsIdentityMismatch(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIdentityMismatch) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), identityMismatchText)
}

// Classify maps a connection error to its kind. Anything not recognised as
// an identity mismatch or a hard schema problem is treated as transient.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case IsIdentityMismatch(err):
		return KindIdentityMismatch
	case errors.Is(err, ErrInvalidSchema):
		return KindPermanent
	}
	return KindTransient
}

// IsTransient reports whether err is a network-level failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrNotConnected) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Op names operations whose expected failures callers may discard.
type Op int

const (
	OpDisconnect Op = iota
	OpDropIndex
	OpCreateCollection
	OpCreateIndex
)

// Ignorable reports whether err is an expected outcome of op that callers
// may discard. A lost creation race counts as success.
func Ignorable(op Op, err error) bool {
	if err == nil {
		return true
	}
	switch op {
	case OpDisconnect:
		return errors.Is(err, ErrNotConnected)
	case OpDropIndex:
		return errors.Is(err, ErrIndexNotFound)
	case OpCreateCollection, OpCreateIndex:
		return errors.Is(err, ErrAlreadyExists)
	}
	return false
}
