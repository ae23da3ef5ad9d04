// errors.go defines the error kinds reported by avtransmux.

package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDataYet means the component needs more input before it can
	// produce output; it is not a failure.
	ErrNoDataYet = errors.New("no data yet, more input is required")

	// ErrBufferFull means the component cannot accept input until
	// pending output is received.
	ErrBufferFull = errors.New("internal buffer is full, output must be received first")
)

// ErrOpen reports that a resource (an input, an output, a device, a codec)
// could not be opened.
type ErrOpen struct {
	Resource string
	Err      error
}

func (e ErrOpen) Error() string {
	return fmt.Sprintf("unable to open %s: %v", e.Resource, e.Err)
}

func (e ErrOpen) Unwrap() error {
	return e.Err
}

// ErrNegotiation reports that two components could not agree on a format
// (e.g. a codec with no configuration for the requested accelerator).
type ErrNegotiation struct {
	Err error
}

func (e ErrNegotiation) Error() string {
	return fmt.Sprintf("negotiation failed: %v", e.Err)
}

func (e ErrNegotiation) Unwrap() error {
	return e.Err
}

// ErrProtocol reports an operation called in a state that does not allow it.
type ErrProtocol struct {
	Op    string
	State string
}

func (e ErrProtocol) Error() string {
	return fmt.Sprintf("%s is not allowed: %s", e.Op, e.State)
}

type ErrNotImplemented struct {
	Err error
}

func (e ErrNotImplemented) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not implemented: %v", e.Err)
	}
	return "not implemented"
}

func (e ErrNotImplemented) Unwrap() error {
	return e.Err
}

func IsOpenFailure(err error) bool {
	var target ErrOpen
	return errors.As(err, &target)
}

func IsNegotiationFailure(err error) bool {
	var target ErrNegotiation
	return errors.As(err, &target)
}

func IsProtocolFailure(err error) bool {
	var target ErrProtocol
	return errors.As(err, &target)
}
