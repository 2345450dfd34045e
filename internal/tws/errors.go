package tws

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// ErrorClass partitions broker error codes by required reaction.
type ErrorClass int

const (
	// ClassInformational codes are connectivity notices (data farm OK etc.).
	ClassInformational ErrorClass = iota
	// ClassWarning codes are logged but do not fail any request.
	ClassWarning
	// ClassTransient codes indicate a recoverable connectivity loss.
	ClassTransient
	// ClassFatal codes permanently fail the request they reference.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassInformational:
		return "informational"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "warning"
	}
}

// Fixed classification table. The broker uses the error channel for
// informational codes; only transient and fatal classes fail awaiters.
var errorClasses = map[int]ErrorClass{
	2104: ClassInformational, // market data farm connection OK
	2106: ClassInformational, // HMDS data farm connection OK
	2108: ClassInformational, // market data farm inactive but OK
	2158: ClassInformational, // sec-def data farm connection OK

	1100: ClassTransient, // connectivity lost
	1102: ClassTransient, // connectivity restored, data maintained
	1300: ClassTransient, // socket port reset

	200: ClassFatal, // no security definition found
	321: ClassFatal, // invalid news source / request validation
	354: ClassFatal, // not subscribed to market data
	504: ClassFatal, // not connected
}

// Classify returns the class for a broker error code.
func Classify(code int) ErrorClass {
	if c, ok := errorClasses[code]; ok {
		return c
	}
	return ClassWarning
}

// APIError is an error delivered on the broker error channel.
type APIError struct {
	Code  int
	ReqID int64 // 0 when not tied to a request
	Msg   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tws error %d (req %d): %s", e.Code, e.ReqID, e.Msg)
}

// Class returns the classification of this error.
func (e *APIError) Class() ErrorClass {
	return Classify(e.Code)
}
