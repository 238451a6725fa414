package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindNetwork     Kind = "network"      // connection refused/reset, DNS
	KindTimeout     Kind = "timeout"      // request deadline exceeded
	KindStatus      Kind = "status"       // non-2xx response
	KindContentType Kind = "content_type" // not text/HTML
	KindMalformed   Kind = "malformed"    // empty or undecodable body
	KindTooLarge    Kind = "too_large"
	KindBlocked     Kind = "blocked" // URL rejected by the validator
	KindRedirects   Kind = "redirects"
	KindCanceled    Kind = "canceled"
)

// Error is a failed fetch. Transient failures (network, timeout, 5xx, 429)
// are retried by the Fetcher before this is returned.
type Error struct {
	URL        string
	Kind       Kind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindStatus:
		return e.StatusCode == 429 || e.StatusCode >= 500
	}
	return false
}

// NormalizationError means the document was fetched but no usable text could
// be extracted. The caller keeps the previous snapshot.
type NormalizationError struct {
	URL    string
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("normalize %s: %s", e.URL, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient fetch failure.
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable()
}
