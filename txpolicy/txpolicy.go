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

// Package txpolicy decides transaction boundaries around container invocations.
//
// Every invocation runs inside a Policy scope:
//
//	p, ctx, err := txpolicy.Begin(ctx, method, typ)
//	if err != nil {
//		return err
//	}
//	defer func() {
//		err = xerr.First(err, p.AfterInvoke(ctx))
//	}()
//
// Begin, depending on transaction attribute of the method, joins current
// transaction, starts a new one, or runs the call with no transaction.
// AfterInvoke completes transaction started by Begin, if any.
//
// Failures of the call itself are reported to the policy via
// HandleApplicationException and HandleSystemException which return the
// error to be given to the caller.
package txpolicy

import (
	"context"
	"errors"
	"fmt"

	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/internal/log"
	"lab.nexedi.com/kirr/entity/transaction"
)

// Type is transaction attribute of a method.
type Type int

const (
	// Required runs the call in caller's transaction, or in a new one
	// if the caller has none.
	Required Type = iota

	// RequiresNew always runs the call in a new transaction.
	// Caller's transaction, if any, is suspended for the call duration.
	RequiresNew

	// Supports runs the call in caller's transaction if there is one,
	// and with no transaction otherwise.
	Supports

	// Mandatory requires the caller to have a transaction.
	Mandatory

	// NotSupported runs the call with no transaction.
	NotSupported

	// Never requires the caller not to have a transaction.
	Never
)

var typeNames = [...]string{
	Required:     "Required",
	RequiresNew:  "RequiresNew",
	Supports:     "Supports",
	Mandatory:    "Mandatory",
	NotSupported: "NotSupported",
	Never:        "Never",
}

func (t Type) String() string {
	if 0 <= t && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType converts transaction attribute name, as returned by Type.String, into Type.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return Type(t), nil
		}
	}
	return -1, fmt.Errorf("txpolicy: invalid transaction attribute %q", s)
}

// Policy is transaction scope of one invocation.
//
// It is created by Begin and must be finished by AfterInvoke.
type Policy struct {
	typ   Type
	txn   transaction.Transaction // transaction the call runs in, or nil
	owned bool                    // txn was started by Begin
	done  bool                    // AfterInvoke was already called
}

// Begin opens transaction scope for invocation of method with transaction attribute typ.
//
// It returns the scope and context under which the call has to run.
func Begin(ctx context.Context, method ejb.Method, typ Type) (_ *Policy, _ context.Context, err error) {
	p := &Policy{typ: typ}
	caller := transaction.Lookup(ctx)

	switch typ {
	case Required:
		p.txn = caller
		if p.txn == nil {
			p.txn, ctx = transaction.New(ctx)
			p.owned = true
		}

	case RequiresNew:
		p.txn, ctx = transaction.New(transaction.Suspend(ctx))
		p.owned = true

	case Supports:
		p.txn = caller

	case Mandatory:
		if caller == nil {
			return nil, ctx, &ejb.ApplicationError{Err: &ejb.TransactionRequiredError{Method: method}}
		}
		p.txn = caller

	case NotSupported:
		if caller != nil {
			ctx = transaction.Suspend(ctx)
		}

	case Never:
		if caller != nil {
			return nil, ctx, &ejb.ApplicationError{Err: &ejb.RemoteError{
				Err: fmt.Errorf("%s: transactions not supported", method)}}
		}

	default:
		panic(fmt.Sprintf("txpolicy: begin: invalid type %d", int(typ)))
	}

	return p, ctx, nil
}

// Type returns transaction attribute this scope was opened with.
func (p *Policy) Type() Type { return p.typ }

// Transaction returns transaction the call runs in, or nil.
func (p *Policy) Transaction() transaction.Transaction { return p.txn }

// IsNewTransaction returns whether the transaction was started by this scope.
func (p *Policy) IsNewTransaction() bool { return p.owned }

// AfterInvoke closes the scope.
//
// Transaction started by Begin is committed, or rolled back if it was marked
// rollback-only. Transaction rolled back at commit is reported as
// *ejb.TransactionRolledbackError application failure.
//
// Only the first call does anything.
func (p *Policy) AfterInvoke(ctx context.Context) error {
	if p.done {
		return nil
	}
	p.done = true

	if !p.owned {
		return nil
	}

	txn := p.txn
	if txn.RollbackOnly() {
		txn.Abort(ctx)
		return nil
	}

	err := txn.Commit(ctx)
	if err == nil {
		return nil
	}

	var rerr *transaction.RollbackError
	if errors.As(err, &rerr) {
		return &ejb.ApplicationError{Err: &ejb.TransactionRolledbackError{Err: err}}
	}
	return &ejb.SystemError{Err: &ejb.RemoteError{Err: err}}
}

// HandleApplicationException processes application failure of the call.
//
// If rollback is true the transaction, if any, is marked rollback-only.
// The error to return to the caller is returned.
func (p *Policy) HandleApplicationException(err error, rollback bool) error {
	if rollback && p.txn != nil {
		p.txn.SetRollbackOnly(err)
	}

	var aerr *ejb.ApplicationError
	if errors.As(err, &aerr) {
		return aerr
	}
	return &ejb.ApplicationError{Err: err}
}

// HandleSystemException processes system failure of the call.
//
// The failure is logged and the transaction, if any, is marked rollback-only.
// If the transaction belongs to the caller, the caller is told it was rolled
// back. Otherwise the failure is returned as *ejb.SystemError.
func (p *Policy) HandleSystemException(ctx context.Context, err error) error {
	log.Errorf(ctx, "system failure: %s", err)

	var serr *ejb.SystemError
	if errors.As(err, &serr) {
		err = serr.Err
	}

	if p.txn != nil {
		p.txn.SetRollbackOnly(err)
		if !p.owned {
			return &ejb.ApplicationError{Err: &ejb.TransactionRolledbackError{Err: err}}
		}
	}

	return &ejb.SystemError{Err: &ejb.RemoteError{Err: err}}
}
