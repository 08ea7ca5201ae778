// Package registry implements the OCI tag/digest and Helm chart-index
// clients behind a common credential-resolution and retry policy, grounded
// on the teacher's internal/cmd/controller/imagescan/tagscan_job.go (remote
// tag listing + authFromSecret) and internal/helmupdater/helmupdater.go
// (helm getter/registry plumbing).
package registry

import (
	"errors"
	"fmt"
)

// Kind classifies a registry operation failure. Clients return these rather
// than raw transport errors so callers (poller, webhook-triggered lookups)
// can decide what to retry without inspecting error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthRequired
	KindAuthFailed
	KindNotFound
	KindRateLimited
	KindTransient
	KindMalformedResponse
)

func (k Kind) String() string {
	switch k {
	case KindAuthRequired:
		return "AuthRequired"
	case KindAuthFailed:
		return "AuthFailed"
	case KindNotFound:
		return "NotFound"
	case KindRateLimited:
		return "RateLimited"
	case KindTransient:
		return "Transient"
	case KindMalformedResponse:
		return "MalformedResponse"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying transport/parse error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, err error) *Error { return &Error{Kind: k, Err: err} }

// Retryable reports whether err's Kind is one the spec retries
// (Transient and RateLimited; spec.md §4.2).
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient || e.Kind == KindRateLimited
	}
	return false
}

// KindOf extracts the Kind from err, or KindUnknown if err was not produced
// by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
