// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsvc

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrMissingAddrManager indicates the configuration does not provide
	// an address manager.
	ErrMissingAddrManager = ErrorKind("ErrMissingAddrManager")

	// ErrMissingBanManager indicates the configuration does not provide a
	// ban manager.
	ErrMissingBanManager = ErrorKind("ErrMissingBanManager")

	// ErrMissingConnManager indicates the configuration does not provide a
	// connection manager.
	ErrMissingConnManager = ErrorKind("ErrMissingConnManager")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an error related to the network service.  It has full
// support for errors.Is and errors.As, so the caller can ascertain the
// specific reason for the error by checking the underlying error.
type Error struct {
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// makeError creates an Error given a set of arguments.
func makeError(kind ErrorKind, desc string) Error {
	return Error{Description: desc, Err: kind}
}
