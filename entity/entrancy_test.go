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

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/entity/deploy"
	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/transaction"
	"lab.nexedi.com/kirr/entity/txpolicy"
)

func TestEntrancyTracker(t *testing.T) {
	ctx := context.Background()
	c, _, _ := tSetup(t, nil, txpolicy.Required)
	bc := c.Deployment("counter")
	var et EntrancyTracker

	// no scope: nothing is tracked
	require.NoError(t, et.Enter(ctx, bc, "a"))
	require.NoError(t, et.Enter(ctx, bc, "a"))
	require.Equal(t, 0, et.entered(ctx))

	assertReentered := func(ctx context.Context, pk interface{}) {
		t.Helper()
		err := et.Enter(ctx, bc, pk)
		var rerr *ejb.ReentrancyError
		require.True(t, errors.As(err, &rerr), "err: %v", err)
		require.True(t, ejb.IsApplication(err))
		require.Equal(t, pk, rerr.PrimaryKey)
	}

	// call scope
	cctx := WithEntrancyScope(ctx)
	require.True(t, cctx == WithEntrancyScope(cctx))
	require.NoError(t, et.Enter(cctx, bc, "a"))
	require.NoError(t, et.Enter(cctx, bc, "b"))
	assertReentered(cctx, "a")
	require.NoError(t, et.Enter(cctx, bc, nil))
	require.Equal(t, 2, et.entered(cctx))
	et.Exit(cctx, bc, "a")
	et.Exit(cctx, bc, "a")
	require.Equal(t, 1, et.entered(cctx))
	require.NoError(t, et.Enter(cctx, bc, "a"))

	// transaction scope takes precedence and is dropped at completion
	txn, tctx := transaction.New(cctx)
	require.Equal(t, 0, et.entered(tctx))
	require.NoError(t, et.Enter(tctx, bc, "a"))
	assertReentered(tctx, "a")
	require.Equal(t, 1, et.entered(tctx))
	txn.Abort(tctx)
	require.Nil(t, txn.GetResource(txEntrancyKey{}))
	require.Equal(t, 2, et.entered(cctx))

	// reentrant deployment is never tracked
	rc, _, _ := tSetup(t, nil, txpolicy.Required, func(cfg *deploy.Config) {
		cfg.Reentrant = true
	})
	rbc := rc.Deployment("counter")
	require.NoError(t, et.Enter(cctx, rbc, "c"))
	require.NoError(t, et.Enter(cctx, rbc, "c"))
	require.Equal(t, 2, et.entered(cctx))
}
