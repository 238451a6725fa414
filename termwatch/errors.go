package termwatch

import "errors"

// ErrNotFound is returned when a document, change or run does not exist.
var ErrNotFound = errors.New("termwatch: not found")

// ErrInvalidInput is returned for a request or config that fails validation.
var ErrInvalidInput = errors.New("termwatch: invalid input")

// ErrScanInFlight is returned when a scan trigger is coalesced into a run
// that is already in flight.
var ErrScanInFlight = errors.New("termwatch: scan already in flight")
