// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
//
// Specific kinds also match the category they belong to, so for example an
// error of kind ErrBanned matches both ErrBanned and ErrAdmissionRejected.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrAdmissionRejected is the category of the errors returned when a
	// connection request is refused before any slot is created.
	ErrAdmissionRejected = ErrorKind("ErrAdmissionRejected")

	// ErrNotRunning indicates the connection manager is not running.
	ErrNotRunning = ErrorKind("ErrNotRunning")

	// ErrNetworkInactive indicates network activity is disabled and the
	// request is not for a manual connection.
	ErrNetworkInactive = ErrorKind("ErrNetworkInactive")

	// ErrBanned indicates the requested peer is banned.
	ErrBanned = ErrorKind("ErrBanned")

	// ErrSlotLimit indicates all slots of the requested connection class
	// are in use.
	ErrSlotLimit = ErrorKind("ErrSlotLimit")

	// ErrDuplicateConn indicates a connection to the same address, or for
	// automatic outbound connections to the same network group, already
	// exists.
	ErrDuplicateConn = ErrorKind("ErrDuplicateConn")

	// ErrInvalidRequest indicates a connection request does not identify
	// a peer or asks for an unsupported connection class.
	ErrInvalidRequest = ErrorKind("ErrInvalidRequest")

	// ErrHandshakeFailed is the category of the errors that end a slot
	// before it is established.
	ErrHandshakeFailed = ErrorKind("ErrHandshakeFailed")

	// ErrDialFailed indicates the transport could not connect to the peer.
	ErrDialFailed = ErrorKind("ErrDialFailed")

	// ErrHandshakeTimeout indicates the handshake did not complete in time.
	ErrHandshakeTimeout = ErrorKind("ErrHandshakeTimeout")

	// ErrSelfConnection indicates the remote peer echoed a nonce of a
	// local connection attempt, which means the node connected to itself.
	ErrSelfConnection = ErrorKind("ErrSelfConnection")

	// ErrBannedDuringHandshake indicates the peer was banned while the
	// connection was being set up.
	ErrBannedDuringHandshake = ErrorKind("ErrBannedDuringHandshake")

	// ErrInterrupted indicates the slot was canceled before it was
	// established.
	ErrInterrupted = ErrorKind("ErrInterrupted")

	// ErrSlotNotFound indicates no slot with the provided id exists.
	ErrSlotNotFound = ErrorKind("ErrSlotNotFound")

	// ErrSlotNotEstablished indicates a message was pushed to a slot that
	// is not established.
	ErrSlotNotEstablished = ErrorKind("ErrSlotNotEstablished")

	// ErrQueueFull indicates a relay queue with the reject policy is full.
	ErrQueueFull = ErrorKind("ErrQueueFull")

	// ErrQueueClosed indicates the relay queue was closed.
	ErrQueueClosed = ErrorKind("ErrQueueClosed")

	// ErrDialNil is used to indicate that Dial cannot be nil in the
	// configuration.
	ErrDialNil = ErrorKind("ErrDialNil")

	// ErrHandshakeNil is used to indicate that Handshake cannot be nil in
	// the configuration.
	ErrHandshakeNil = ErrorKind("ErrHandshakeNil")

	// ErrTorInvalidAddressResponse indicates an invalid address was
	// returned by the Tor DNS resolver.
	ErrTorInvalidAddressResponse = ErrorKind("ErrTorInvalidAddressResponse")

	// ErrTorInvalidProxyResponse indicates the Tor proxy returned a
	// response in an unexpected format.
	ErrTorInvalidProxyResponse = ErrorKind("ErrTorInvalidProxyResponse")

	// ErrTorUnrecognizedAuthMethod indicates the authentication method
	// provided is not recognized.
	ErrTorUnrecognizedAuthMethod = ErrorKind("ErrTorUnrecognizedAuthMethod")

	// ErrTorGeneralError indicates a general tor error.
	ErrTorGeneralError = ErrorKind("ErrTorGeneralError")

	// ErrTorNotAllowed indicates tor connections are not allowed.
	ErrTorNotAllowed = ErrorKind("ErrTorNotAllowed")

	// ErrTorNetUnreachable indicates the tor network is unreachable.
	ErrTorNetUnreachable = ErrorKind("ErrTorNetUnreachable")

	// ErrTorHostUnreachable indicates the tor host is unreachable.
	ErrTorHostUnreachable = ErrorKind("ErrTorHostUnreachable")

	// ErrTorConnectionRefused indicates the tor connection was refused.
	ErrTorConnectionRefused = ErrorKind("ErrTorConnectionRefused")

	// ErrTorTTLExpired indicates the tor request Time-To-Live (TTL) expired.
	ErrTorTTLExpired = ErrorKind("ErrTorTTLExpired")

	// ErrTorCmdNotSupported indicates the tor command is not supported.
	ErrTorCmdNotSupported = ErrorKind("ErrTorCmdNotSupported")

	// ErrTorAddrNotSupported indicates the tor address type is not supported.
	ErrTorAddrNotSupported = ErrorKind("ErrTorAddrNotSupported")
)

// kindCategories maps the specific error kinds to their category.
var kindCategories = map[ErrorKind]ErrorKind{
	ErrNotRunning:            ErrAdmissionRejected,
	ErrNetworkInactive:       ErrAdmissionRejected,
	ErrBanned:                ErrAdmissionRejected,
	ErrSlotLimit:             ErrAdmissionRejected,
	ErrDuplicateConn:         ErrAdmissionRejected,
	ErrInvalidRequest:        ErrAdmissionRejected,
	ErrDialFailed:            ErrHandshakeFailed,
	ErrHandshakeTimeout:      ErrHandshakeFailed,
	ErrSelfConnection:        ErrHandshakeFailed,
	ErrBannedDuringHandshake: ErrHandshakeFailed,
	ErrInterrupted:           ErrHandshakeFailed,
}

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Is reports whether the error kind belongs to the target category.  It allows
// errors.Is to match specific kinds against their category.
func (e ErrorKind) Is(target error) bool {
	category, ok := target.(ErrorKind)
	return ok && kindCategories[e] == category
}

// Error identifies an error related to the connection manager.  It has full
// support for errors.Is and errors.As, so the caller can ascertain the specific
// reason for the error by checking the underlying error.
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
