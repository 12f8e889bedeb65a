// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type, used in place of ad-hoc errors so
// that callers can switch on a specific failure kind without string
// matching.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	// ErrReplicaNotFound is returned when a transition callback names a
	// partition that the storage manager has no replica for.
	ErrReplicaNotFound

	// ErrReplicaOperationFailure is returned when a replica-level operation
	// (store open, bootstrap, disable) fails for a reason specific to that
	// replica, as opposed to the disk or the whole node.
	ErrReplicaOperationFailure

	// ErrStoreNotStarted is returned when an operation is attempted on a
	// blob store that has not completed Start.
	ErrStoreNotStarted

	// ErrHelixUpdateFailure is returned when the cluster coordinator update
	// that must accompany a transition (adding the replica to, or removing
	// it from, this node's data-node info) fails.
	ErrHelixUpdateFailure

	// ErrInitializationError is returned when a component fails to
	// initialize, e.g. a disk manager failing to mount or read its
	// identity.
	ErrInitializationError

	// ErrIO is returned for a raw OS-level I/O failure: a failed mkdir,
	// read, write, rename, or directory listing.
	ErrIO

	// ErrStoreError is returned for a blob-store-level failure: the store
	// itself rejected a Start, Shutdown, or persisted-state read/write.
	ErrStoreError
)

var description = map[Error]string{
	NoError: "no error",

	ErrReplicaNotFound:         "no replica found for this partition",
	ErrReplicaOperationFailure: "replica-level operation failed",
	ErrStoreNotStarted:         "blob store not started",
	ErrHelixUpdateFailure:      "cluster coordinator state update failed",
	ErrInitializationError:     "component failed to initialize",
	ErrIO:                      "I/O level error",
	ErrStoreError:              "blob store error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver Error
// underneath.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'.
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// AsError gets the underlying core.Error from an error, if it is one.
func AsError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}
