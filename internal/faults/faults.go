// Package faults defines the failure taxonomy shared by the scheduler,
// the workers and the CWS client. Every error crossing a component
// boundary is classified into exactly one Kind; the Kind decides whether
// a chunk is retried or permanently failed.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidInput means validation failed before any work started.
	KindInvalidInput
	// KindLocked means a named lock is already held by another caller.
	KindLocked
	// KindCredentialsExpired means a required secret cache entry is
	// missing or expired. Never retried.
	KindCredentialsExpired
	// KindTransientBus is a message bus publish/consume failure.
	KindTransientBus
	// KindTransientCWS is a connect failure, timeout or 5xx from the CWS.
	KindTransientCWS
	// KindTransientStore is a store failure (busy, I/O).
	KindTransientStore
	// KindPermanentCWS is a 4xx from the CWS: the input is malformed and
	// retrying cannot help.
	KindPermanentCWS
	// KindInternal is anything unclassified. Retried up to the cap.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindLocked:
		return "LOCKED"
	case KindCredentialsExpired:
		return "CREDENTIALS_EXPIRED"
	case KindTransientBus:
		return "TRANSIENT_BUS"
	case KindTransientCWS:
		return "TRANSIENT_CWS"
	case KindTransientStore:
		return "TRANSIENT_STORE"
	case KindPermanentCWS:
		return "PERMANENT_CWS"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Fault is an error tagged with its taxonomy Kind.
type Fault struct {
	Kind Kind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New wraps err with a Kind. A nil err yields a Fault carrying only the Kind.
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Newf wraps a formatted message with a Kind.
func Newf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify returns the Kind of err, or KindInternal when err carries no Fault.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// Retryable reports whether a chunk failing with this Kind may re-enter
// the pending state (subject to the retry cap).
func Retryable(k Kind) bool {
	switch k {
	case KindTransientBus, KindTransientCWS, KindTransientStore, KindInternal:
		return true
	default:
		return false
	}
}
