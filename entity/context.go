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

package entity
// EntityContext given to bean instances

import (
	"context"
	"errors"

	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/security"
	"lab.nexedi.com/kirr/entity/transaction"
)

// errNoTransaction is returned by EntityContext.SetRollbackOnly and
// RollbackOnly when called outside of a transaction.
var errNoTransaction = errors.New("entity context: no transaction")

// entityContext implements ejb.EntityContext.
//
// Everything it reports comes from the call context in ctx, so one
// entityContext serves its instance for all identities the instance is
// bound to over its lifetime.
type entityContext struct {
	security security.Service
}

var _ ejb.EntityContext = (*entityContext)(nil)

func (ec *entityContext) PrimaryKey(ctx context.Context) interface{} {
	cc := CallContextFrom(ctx)
	if cc == nil {
		return nil
	}
	return cc.PrimaryKey
}

func (ec *entityContext) Operation(ctx context.Context) ejb.Operation {
	return mustCallContext(ctx).Operation()
}

func (ec *entityContext) CallerPrincipal(ctx context.Context) string {
	cc := CallContextFrom(ctx)
	if cc == nil {
		return ""
	}
	return cc.Principal
}

func (ec *entityContext) IsCallerInRole(ctx context.Context, role string) bool {
	cc := CallContextFrom(ctx)
	if cc == nil {
		return false
	}
	return ec.security.IsCallerAuthorized(ctx, cc.Principal, []string{role})
}

func (ec *entityContext) SetRollbackOnly(ctx context.Context) error {
	txn := transaction.Lookup(ctx)
	if txn == nil {
		return errNoTransaction
	}
	txn.SetRollbackOnly(nil)
	return nil
}

func (ec *entityContext) RollbackOnly(ctx context.Context) (bool, error) {
	txn := transaction.Lookup(ctx)
	if txn == nil {
		return false, errNoTransaction
	}
	return txn.RollbackOnly(), nil
}
