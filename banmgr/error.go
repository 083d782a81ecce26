// Copyright (c) 2021-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package banmgr

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrInvalidTarget indicates a ban target could not be parsed.
	ErrInvalidTarget = ErrorKind("ErrInvalidTarget")

	// ErrPersistence indicates the ban database could not be opened, read,
	// or written.
	ErrPersistence = ErrorKind("ErrPersistence")

	// ErrCorruptEntry indicates a stored ban entry could not be decoded.
	ErrCorruptEntry = ErrorKind("ErrCorruptEntry")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies a ban manager error.  It has full support for errors.Is and
// errors.As, so the caller can ascertain the specific reason for the error by
// checking the underlying error.  RawErr holds the error from the database
// layer when there is one.
type Error struct {
	Err         error
	Description string
	RawErr      error
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
