// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrAddressNotFound indicates an operation referenced an address that is
	// not known to the address manager.
	ErrAddressNotFound = ErrorKind("ErrAddressNotFound")

	// ErrInvalidAddress indicates an address could not be parsed.
	ErrInvalidAddress = ErrorKind("ErrInvalidAddress")

	// ErrStoreFull indicates a new address was dropped because its new
	// table slot is held by an address that may not be evicted.
	ErrStoreFull = ErrorKind("ErrStoreFull")

	// ErrPersistence indicates the saved address file could not be read or
	// written.
	ErrPersistence = ErrorKind("ErrPersistence")

	// ErrAlreadyStarted indicates Start was called more than once.
	ErrAlreadyStarted = ErrorKind("ErrAlreadyStarted")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an address manager error.  It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific reason for
// the error by checking the underlying error.
type Error struct {
	Err         error
	Description string
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
	return Error{Err: kind, Description: desc}
}
