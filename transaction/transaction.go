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

package transaction

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/go123/xerr"
)

// transaction implements Transaction.
type transaction struct {
	id string

	mu       sync.Mutex
	status   Status
	rollback bool  // marked rollback-only
	reason   error // why rollback-only, if known
	datav    []DataManager
	syncv    []Synchronizer
	resv     map[interface{}]interface{}
}

// ctxKey is the type private to transaction package, used as key in contexts.
type ctxKey struct{}

// getTxn returns transaction associated with provided context.
// nil is returned if there is no association.
func getTxn(ctx context.Context) *transaction {
	txn, _ := ctx.Value(ctxKey{}).(*transaction)
	return txn
}

// withTxn returns ctx with txn associated, unless it is already there.
func withTxn(ctx context.Context, txn *transaction) context.Context {
	if getTxn(ctx) == txn {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, txn)
}

// currentTxn serves Current.
func currentTxn(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		panic("transaction: no current transaction")
	}
	return txn
}

// newTxn serves New.
func newTxn(ctx context.Context) (Transaction, context.Context) {
	if getTxn(ctx) != nil {
		panic("transaction: new: nested transactions not supported")
	}

	txn := &transaction{id: uuid.NewString(), status: Active}
	txnCtx := context.WithValue(ctx, ctxKey{}, txn)
	return txn, txnCtx
}

func (txn *transaction) ID() string { return txn.id }

// Status implements Transaction.
func (txn *transaction) Status() Status {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.status
}

// SetRollbackOnly implements Transaction.
func (txn *transaction) SetRollbackOnly(reason error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.status.Completed() {
		return
	}
	if !txn.rollback {
		txn.rollback = true
		txn.reason = reason
	}
	if txn.status == Active {
		txn.status = MarkedRollback
	}
}

// RollbackOnly implements Transaction.
func (txn *transaction) RollbackOnly() bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.rollback
}

// Commit implements Transaction.
func (txn *transaction) Commit(ctx context.Context) error {
	txn.mu.Lock()
	txn.checkNotYetCompleting("commit")
	txn.status = Preparing
	txn.mu.Unlock()

	ctx = withTxn(ctx, txn)
	txn.beforeCompletion(ctx)

	// under lock: decide outcome; extract datav/syncv
	txn.mu.Lock()
	rollback := txn.rollback
	reason := txn.reason
	if rollback {
		txn.status = RollingBack
	} else {
		txn.status = Committing
	}
	datav := txn.datav
	syncv := txn.syncv
	txn.mu.Unlock()

	if rollback {
		txn.abortData(datav)
		txn.complete(RolledBack, syncv)
		return &RollbackError{ID: txn.id, Err: reason}
	}

	err := txn.tpc(ctx, datav)
	if err != nil {
		if _, voted := err.(*RollbackError); voted {
			txn.complete(RolledBack, syncv)
			return err
		}
		// TPCFinish failed: data is committed at least partly
		txn.complete(Committed, syncv)
		return errors.Wrapf(err, "transaction %s: commit: finish", txn.id)
	}

	txn.complete(Committed, syncv)
	return nil
}

// Abort implements Transaction.
func (txn *transaction) Abort(ctx context.Context) {
	txn.mu.Lock()
	txn.checkNotYetCompleting("abort")
	txn.status = RollingBack
	txn.mu.Unlock()

	ctx = withTxn(ctx, txn)
	txn.beforeCompletion(ctx)

	txn.mu.Lock()
	datav := txn.datav
	syncv := txn.syncv
	txn.mu.Unlock()

	txn.abortData(datav)
	txn.complete(RolledBack, syncv)
}

// beforeCompletion notifies every registered synchronizer exactly once.
//
// Synchronizers registered while this runs are notified too, in order of registration.
func (txn *transaction) beforeCompletion(ctx context.Context) {
	for i := 0; ; i++ {
		txn.mu.Lock()
		if i >= len(txn.syncv) {
			txn.mu.Unlock()
			return
		}
		sync := txn.syncv[i]
		txn.mu.Unlock()

		err := sync.BeforeCompletion(ctx, txn)
		if err != nil {
			txn.SetRollbackOnly(err)
		}
	}
}

// tpc runs two-phase commit over datav.
//
// *RollbackError is returned if the commit was voted down.
func (txn *transaction) tpc(ctx context.Context, datav []DataManager) error {
	for _, dm := range datav {
		dm.TPCBegin(txn)
	}

	// phase 1
	var errv xerr.Errorv
	for _, dm := range datav {
		errv.Appendif(dm.Commit(ctx, txn))
	}
	err := errv.Err()
	if err == nil {
		wg, ctx := errgroup.WithContext(ctx)
		for _, dm := range datav {
			dm := dm
			wg.Go(func() error {
				return dm.TPCVote(ctx, txn)
			})
		}
		err = wg.Wait()
	}
	if err != nil {
		wg := sync.WaitGroup{}
		for _, dm := range datav {
			dm := dm
			wg.Add(1)
			go func() {
				defer wg.Done()
				dm.TPCAbort(ctx, txn)
			}()
		}
		wg.Wait()
		return &RollbackError{ID: txn.id, Err: err}
	}

	// phase 2
	wg := errgroup.Group{}
	for _, dm := range datav {
		dm := dm
		wg.Go(func() error {
			return dm.TPCFinish(ctx, txn)
		})
	}
	return wg.Wait()
}

// abortData calls Abort on all data managers.
func (txn *transaction) abortData(datav []DataManager) {
	wg := sync.WaitGroup{}
	for _, dm := range datav {
		dm := dm
		wg.Add(1)
		go func() {
			defer wg.Done()
			dm.Abort(txn)
		}()
	}
	wg.Wait()
}

// complete sets final status and runs AfterCompletion on syncv.
//
// transaction resources are dropped after all synchronizers were notified.
func (txn *transaction) complete(status Status, syncv []Synchronizer) {
	txn.mu.Lock()
	txn.status = status
	txn.datav = nil
	txn.syncv = nil
	txn.mu.Unlock()

	for _, sync := range syncv {
		sync.AfterCompletion(txn, status)
	}

	txn.mu.Lock()
	txn.resv = nil
	txn.mu.Unlock()
}

// Join implements Transaction.
func (txn *transaction) Join(dm DataManager) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkCanRegister("join")
	for _, dm2 := range txn.datav {
		if dm2 == dm {
			return
		}
	}
	txn.datav = append(txn.datav, dm)
}

// RegisterSync implements Transaction.
func (txn *transaction) RegisterSync(sync Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkCanRegister("register sync")
	txn.syncv = append(txn.syncv, sync)
}

// checkNotYetCompleting asserts that transaction completion has not yet began.
//
// and panics if the assert fails.
// must be called with .mu held.
func (txn *transaction) checkNotYetCompleting(who string) {
	switch txn.status {
	case Active, MarkedRollback:
		// ok
	default:
		panic("transaction: " + who + ": transaction completion already began")
	}
}

// checkCanRegister asserts that new participants can still be registered.
//
// must be called with .mu held.
func (txn *transaction) checkCanRegister(who string) {
	if !txn.status.CanRegister() {
		panic("transaction: " + who + ": transaction completion already began")
	}
}

// ---- resources ----

func (txn *transaction) PutResource(key, value interface{}) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.resv == nil {
		txn.resv = make(map[interface{}]interface{})
	}
	txn.resv[key] = value
}

func (txn *transaction) GetResource(key interface{}) interface{} {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.resv[key]
}

func (txn *transaction) LoadOrStoreResource(key, value interface{}) (interface{}, bool) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if v, ok := txn.resv[key]; ok {
		return v, true
	}
	if txn.resv == nil {
		txn.resv = make(map[interface{}]interface{})
	}
	txn.resv[key] = value
	return value, false
}

func (txn *transaction) RemoveResource(key interface{}) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	delete(txn.resv, key)
}
