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

package txpolicy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/transaction"
)

var tMethod = ejb.Method{Interface: ejb.Remote, Name: "Deposit"}

func TestBegin(t *testing.T) {
	bg := context.Background()
	callerTxn, callerCtx := transaction.New(bg)

	testv := []struct {
		typ       Type
		ctx       context.Context
		wantTxn   transaction.Transaction // nil: none, tNew: new one
		wantNew   bool
		wantError bool
	}{
		{Required, bg, tNew, true, false},
		{Required, callerCtx, callerTxn, false, false},
		{RequiresNew, bg, tNew, true, false},
		{RequiresNew, callerCtx, tNew, true, false},
		{Supports, bg, nil, false, false},
		{Supports, callerCtx, callerTxn, false, false},
		{Mandatory, bg, nil, false, true},
		{Mandatory, callerCtx, callerTxn, false, false},
		{NotSupported, bg, nil, false, false},
		{NotSupported, callerCtx, nil, false, false},
		{Never, bg, nil, false, false},
		{Never, callerCtx, nil, false, true},
	}

	for _, tt := range testv {
		p, ctx, err := Begin(tt.ctx, tMethod, tt.typ)
		if tt.wantError {
			require.Error(t, err, "%s", tt.typ)
			require.True(t, ejb.IsApplication(err), "%s: %v", tt.typ, err)
			continue
		}
		require.NoError(t, err, "%s", tt.typ)
		require.Equal(t, tt.wantNew, p.IsNewTransaction(), "%s", tt.typ)

		txn := transaction.Lookup(ctx)
		require.Equal(t, p.Transaction(), txn, "%s", tt.typ)
		switch tt.wantTxn {
		case nil:
			require.Nil(t, txn, "%s", tt.typ)
		case tNew:
			require.NotNil(t, txn, "%s", tt.typ)
			require.NotEqual(t, callerTxn, txn, "%s", tt.typ)
		default:
			require.Equal(t, tt.wantTxn, txn, "%s", tt.typ)
		}

		require.NoError(t, p.AfterInvoke(ctx), "%s", tt.typ)
		if p.IsNewTransaction() {
			require.Equal(t, transaction.Committed, txn.Status(), "%s", tt.typ)
		}
	}

	// caller transaction is never completed by the policy
	require.Equal(t, transaction.Active, callerTxn.Status())

	var terr *ejb.TransactionRequiredError
	_, _, err := Begin(bg, tMethod, Mandatory)
	require.True(t, errors.As(err, &terr))
	require.Equal(t, tMethod, terr.Method)
}

// tNew is placeholder meaning "transaction started by Begin".
var tNew transaction.Transaction = &tNewTxn{}

type tNewTxn struct{ transaction.Transaction }

func TestAfterInvoke(t *testing.T) {
	ctx := context.Background()

	// rollback-only transaction is rolled back without error
	p, tctx, err := Begin(ctx, tMethod, Required)
	require.NoError(t, err)
	txn := p.Transaction()
	txn.SetRollbackOnly(nil)
	require.NoError(t, p.AfterInvoke(tctx))
	require.Equal(t, transaction.RolledBack, txn.Status())

	// second AfterInvoke is noop
	require.NoError(t, p.AfterInvoke(tctx))

	// rollback at commit is reported as rolled back
	p, tctx, err = Begin(ctx, tMethod, Required)
	require.NoError(t, err)
	txn = p.Transaction()
	txn.RegisterSync(&failingSync{})
	err = p.AfterInvoke(tctx)
	var rerr *ejb.TransactionRolledbackError
	require.True(t, errors.As(err, &rerr), "err: %v", err)
	require.True(t, ejb.IsApplication(err))
	require.Equal(t, transaction.RolledBack, txn.Status())
}

type failingSync struct{}

func (*failingSync) BeforeCompletion(context.Context, transaction.Transaction) error {
	return errors.New("store failed")
}
func (*failingSync) AfterCompletion(transaction.Transaction, transaction.Status) {}

func TestHandleApplicationException(t *testing.T) {
	ctx := context.Background()
	appErr := errors.New("insufficient funds")

	p, tctx, err := Begin(ctx, tMethod, Required)
	require.NoError(t, err)
	err = p.HandleApplicationException(appErr, false)
	require.True(t, ejb.IsApplication(err))
	require.True(t, errors.Is(err, appErr))
	require.False(t, p.Transaction().RollbackOnly())
	require.NoError(t, p.AfterInvoke(tctx))
	require.Equal(t, transaction.Committed, p.Transaction().Status())

	p, tctx, err = Begin(ctx, tMethod, Required)
	require.NoError(t, err)
	err = p.HandleApplicationException(appErr, true)
	require.True(t, errors.Is(err, appErr))
	require.True(t, p.Transaction().RollbackOnly())
	require.NoError(t, p.AfterInvoke(tctx))
	require.Equal(t, transaction.RolledBack, p.Transaction().Status())
}

func TestHandleSystemException(t *testing.T) {
	ctx := context.Background()
	sysErr := errors.New("disk on fire")

	// transaction started by the policy: system error
	p, tctx, err := Begin(ctx, tMethod, Required)
	require.NoError(t, err)
	err = p.HandleSystemException(tctx, &ejb.SystemError{Err: sysErr})
	require.True(t, ejb.IsSystem(err), "err: %v", err)
	require.True(t, errors.Is(err, sysErr))
	require.True(t, p.Transaction().RollbackOnly())
	require.NoError(t, p.AfterInvoke(tctx))
	require.Equal(t, transaction.RolledBack, p.Transaction().Status())

	// caller transaction: told it was rolled back
	callerTxn, callerCtx := transaction.New(ctx)
	p, tctx, err = Begin(callerCtx, tMethod, Supports)
	require.NoError(t, err)
	err = p.HandleSystemException(tctx, sysErr)
	var rerr *ejb.TransactionRolledbackError
	require.True(t, errors.As(err, &rerr), "err: %v", err)
	require.True(t, callerTxn.RollbackOnly())
	require.NoError(t, p.AfterInvoke(tctx))
	require.Equal(t, transaction.MarkedRollback, callerTxn.Status())

	// no transaction
	p, tctx, err = Begin(ctx, tMethod, NotSupported)
	require.NoError(t, err)
	err = p.HandleSystemException(tctx, sysErr)
	require.True(t, ejb.IsSystem(err))
}

func TestParseType(t *testing.T) {
	for typ := Required; typ <= Never; typ++ {
		typ2, err := ParseType(typ.String())
		require.NoError(t, err)
		require.Equal(t, typ, typ2)
	}
	_, err := ParseType("Sometimes")
	require.Error(t, err)
}
