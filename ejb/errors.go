// Copyright (C) 2026  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package ejb
// error taxonomy

import (
	"errors"
	"fmt"
)

// ErrNoSuchEntity should be returned by bean code when the identity it was
// asked to load no longer exists in the underlying data.
var ErrNoSuchEntity = errors.New("no such entity")

// ExceptionType classifies a failure coming out of an invocation.
type ExceptionType int

const (
	// System failures come from infrastructure malfunction. The
	// instance is discarded and the transaction is marked rollback-only.
	System ExceptionType = iota

	// Application failures come from business logic. The instance stays
	// usable and the transaction is left alone.
	Application

	// ApplicationRollback is Application failure declared to mark the
	// transaction rollback-only.
	ApplicationRollback
)

func (t ExceptionType) String() string {
	switch t {
	case System:
		return "system"
	case Application:
		return "application"
	case ApplicationRollback:
		return "application(rollback)"
	}
	return fmt.Sprintf("ExceptionType(%d)", int(t))
}

// ApplicationError is the envelope for application-level failures
// surfaced to the caller.
type ApplicationError struct {
	Err error
}

func (e *ApplicationError) Error() string { return e.Err.Error() }
func (e *ApplicationError) Unwrap() error { return e.Err }

// SystemError is the envelope for system-level failures.
//
// Bean code returns it (see NewSystemError) to report infrastructure
// trouble; the container returns it to callers for failures that were not
// turned into a transaction rollback.
type SystemError struct {
	Err error
}

func (e *SystemError) Error() string { return "system error: " + e.Err.Error() }
func (e *SystemError) Unwrap() error { return e.Err }

// NewSystemError wraps err into *SystemError.
func NewSystemError(err error) *SystemError {
	return &SystemError{Err: err}
}

// SystemErrorf is NewSystemError cousin with formatting support.
func SystemErrorf(format string, argv ...interface{}) *SystemError {
	return &SystemError{Err: fmt.Errorf(format, argv...)}
}

// NoSuchObjectError tells that the addressed identity does not exist,
// or was removed earlier in the same transaction.
type NoSuchObjectError struct {
	PrimaryKey interface{}
	Err        error // underlying cause, if any
}

func (e *NoSuchObjectError) Error() string {
	return fmt.Sprintf("entity not found: %v", e.PrimaryKey)
}

func (e *NoSuchObjectError) Unwrap() error { return e.Err }

// AccessDeniedError tells that the caller is not authorized to call a method.
type AccessDeniedError struct {
	Principal string
	Method    Method
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("unauthorized access by principal %q to %s denied", e.Principal, e.Method)
}

// ReentrancyError tells that an identity of a non-reentrant deployment was
// entered while already being in a call.
type ReentrancyError struct {
	DeploymentID string
	PrimaryKey   interface{}
}

func (e *ReentrancyError) Error() string {
	return fmt.Sprintf("%s[%v]: reentrant access attempted on non-reentrant component", e.DeploymentID, e.PrimaryKey)
}

// TransactionRolledbackError tells that the caller's transaction was
// marked for rollback or rolled back because of Err.
type TransactionRolledbackError struct {
	Err error
}

func (e *TransactionRolledbackError) Error() string {
	if e.Err == nil {
		return "transaction rolled back"
	}
	return "transaction rolled back: " + e.Err.Error()
}

func (e *TransactionRolledbackError) Unwrap() error { return e.Err }

// TransactionRequiredError tells that a Mandatory method was called without transaction.
type TransactionRequiredError struct {
	Method Method
}

func (e *TransactionRequiredError) Error() string {
	return fmt.Sprintf("%s: transaction required", e.Method)
}

// RemoteError is the remote-safe wrapper for failures that callers cannot
// act upon besides reporting.
type RemoteError struct {
	Err error
}

func (e *RemoteError) Error() string { return "remote: " + e.Err.Error() }
func (e *RemoteError) Unwrap() error { return e.Err }

// IsApplication returns whether err is application-level failure.
func IsApplication(err error) bool {
	var aerr *ApplicationError
	return errors.As(err, &aerr)
}

// IsSystem returns whether err is system-level failure.
//
// An *ApplicationError envelope wins over *SystemError found deeper in the chain.
func IsSystem(err error) bool {
	if err == nil || IsApplication(err) {
		return false
	}
	var serr *SystemError
	return errors.As(err, &serr)
}

// Classify returns how err, returned by bean code, has to be handled.
//
// *SystemError and ErrNoSuchEntity are system failures; everything else
// is application failure. Deployments refine Application into
// ApplicationRollback for errors they declare so.
func Classify(err error) ExceptionType {
	if IsApplication(err) {
		return Application
	}
	var serr *SystemError
	if errors.As(err, &serr) || errors.Is(err, ErrNoSuchEntity) {
		return System
	}
	return Application
}
