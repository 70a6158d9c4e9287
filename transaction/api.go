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

// Package transaction provides transaction management via two-phase commit protocol.
//
// It is modelled after Python transaction package and JTA, but is not
// exactly equal to either of them.
//
// # Overview
//
// Transactions are represented by Transaction interface. A transaction can be
// started with New, which creates transaction object and remembers it in a
// child of provided context:
//
//	txn, ctx := transaction.New(ctx)
//
// The transaction should be eventually completed by user - either committed or aborted, e.g.
//
//	... // do something with data
//	err := txn.Commit(ctx)
//
// As transactions are associated with contexts, Current and Lookup return
// that associated transaction. Suspend returns a context under which no
// transaction is visible, so that work can be done outside of it, or under
// another, new, transaction.
//
// There is no relation in between transaction and goroutine: a transaction
// scope is managed completely by programmer. In particular it is possible to
// use one transaction in several goroutines simultaneously.
//
// # Two-phase commit
//
// Every data backend which participates in a transaction must first let the
// transaction know when the data it manages was modified, via Join. Then at
// commit time the transaction performs two-phase commit related calls to the
// backends that joined. The details are in DataManager interface.
//
// # Synchronization
//
// An object might want to be notified of transaction completion events, for
// example to flush in-RAM state into a backend right before completion, or
// to release resources after it. Transaction.RegisterSync provides the way
// to be notified of such synchronization points. Every registered
// Synchronizer sees BeforeCompletion and then AfterCompletion exactly once,
// whatever the transaction outcome is.
//
// # Rollback-only
//
// A participant can veto commit with SetRollbackOnly. Commit of a transaction
// marked rollback-only aborts it instead and returns *RollbackError.
//
// # Resources
//
// A transaction carries a key/value map that lives as long as the transaction
// does. It is cleared when the transaction completes.
package transaction

import (
	"context"
	"fmt"
)

// Status describes status of a transaction.
type Status int

const (
	Active         Status = iota // transaction is in progress
	MarkedRollback               // in progress, but can only be rolled back
	Preparing                    // commit started; running BeforeCompletion
	Committing                   // two-phase commit is in progress
	Committed                    // transaction commit finished successfully
	RollingBack                  // abort is in progress
	RolledBack                   // transaction was aborted
)

var statusNames = [...]string{
	Active:         "active",
	MarkedRollback: "marked-rollback",
	Preparing:      "preparing",
	Committing:     "committing",
	Committed:      "committed",
	RollingBack:    "rolling-back",
	RolledBack:     "rolled-back",
}

func (s Status) String() string {
	if 0 <= s && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// CanRegister returns whether participants can still join transaction with status s.
func (s Status) CanRegister() bool {
	return s == Active || s == MarkedRollback || s == Preparing
}

// Completed returns whether s is a final status.
func (s Status) Completed() bool {
	return s == Committed || s == RolledBack
}

// Transaction represents a transaction.
//
// ... and should be completed by user via either Commit or Abort.
//
// Before completion, if there are changes to managed data, corresponding
// DataManager(s) must join the transaction to participate in the completion.
type Transaction interface {
	// ID returns identifier of the transaction, unique in this process.
	ID() string

	// Status returns current status of the transaction.
	Status() Status

	// Commit finalizes the transaction.
	//
	// Commit completes the transaction by executing the two-phase commit
	// algorithm for all DataManagers associated with the transaction.
	// If the transaction is, or becomes, rollback-only, it is aborted
	// instead and *RollbackError is returned.
	Commit(ctx context.Context) error

	// Abort aborts the transaction.
	//
	// Abort completes the transaction by executing Abort on all
	// DataManagers associated with it.
	Abort(ctx context.Context)

	// SetRollbackOnly marks the transaction so that the only possible
	// outcome is rollback. reason, if !nil, is reported by Commit.
	SetRollbackOnly(reason error)

	// RollbackOnly returns whether the transaction is marked rollback-only.
	RollbackOnly() bool

	// ---- part for data managers & friends ----

	// Join associates a DataManager to the transaction.
	//
	// Only associated data managers will participate in the transaction
	// completion - commit or abort.
	//
	// Join must be called before transaction completion begins.
	Join(dm DataManager)

	// RegisterSync registers sync to be notified in this transaction boundary events.
	//
	// It is allowed to register from under BeforeCompletion of another
	// synchronizer while the transaction is being committed.
	//
	// See Synchronizer for details.
	RegisterSync(sync Synchronizer)

	// PutResource associates value with key for the lifetime of the transaction.
	PutResource(key, value interface{})

	// GetResource returns value associated with key, or nil.
	GetResource(key interface{}) interface{}

	// LoadOrStoreResource returns value already associated with key, if
	// any. Otherwise it associates value with key and returns it.
	// loaded tells which case it was.
	LoadOrStoreResource(key, value interface{}) (actual interface{}, loaded bool)

	// RemoveResource removes association for key.
	RemoveResource(key interface{})
}

// New creates new transaction.
//
// The transaction will be associated with returned txnCtx derived from ctx.
// Nested transactions are not supported: New panics if ctx already has a
// transaction associated. Use Suspend to start a transaction independent
// from current one.
func New(ctx context.Context) (txn Transaction, txnCtx context.Context) {
	return newTxn(ctx)
}

// Current returns current transaction.
//
// It panics if there is no transaction associated with provided context.
func Current(ctx context.Context) Transaction {
	return currentTxn(ctx)
}

// Lookup returns current transaction, or nil if there is no transaction
// associated with provided context.
func Lookup(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		return nil
	}
	return txn
}

// Suspend returns context derived from ctx under which no transaction is current.
func Suspend(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, (*transaction)(nil))
}

// DataManager manages data and can transactionally persist it.
//
// If DataManager is registered to transaction via Transaction.Join, it will
// participate in that transaction completion - commit or abort. In other words
// a data manager have to join to corresponding transaction when it sees there
// are modifications to data it manages.
type DataManager interface {
	// Abort should abort all modifications to managed data.
	//
	// Abort is called by Transaction outside of two-phase commit, and only
	// if abort was caused by user requesting transaction abort, or by
	// commit of a rollback-only transaction. If two-phase commit was
	// started and transaction needs to be aborted due to two-phase commit
	// logic, TPCAbort will be called.
	Abort(txn Transaction)

	// TPCBegin should begin commit of a transaction, starting the two-phase commit.
	TPCBegin(txn Transaction)

	// Commit should commit modifications to managed data.
	//
	// It should save changes to be made persistent if the transaction
	// commits (if TPCFinish is called later). If TPCAbort is called
	// later, changes must not persist.
	Commit(ctx context.Context, txn Transaction) error

	// TPCVote should verify that a data manager can commit the transaction.
	//
	// This is the last chance for a data manager to vote 'no'. A data
	// manager votes 'no' by returning an error.
	TPCVote(ctx context.Context, txn Transaction) error

	// TPCFinish should indicate confirmation that the transaction is done.
	//
	// It should make all changes to data modified by this transaction persist.
	// If this returns an error, the data is not expected to be consistent.
	TPCFinish(ctx context.Context, txn Transaction) error

	// TPCAbort should abandon all changes to data modified by this transaction.
	//
	// This is called to end a two-phase commit on the data manager.
	TPCAbort(ctx context.Context, txn Transaction)
}

// Synchronizer is the interface to participate in transaction-boundary notifications.
type Synchronizer interface {
	// BeforeCompletion is called before corresponding transaction is going to be completed.
	//
	// The transaction calls BeforeCompletion before txn is going to be
	// completed - either committed or aborted. Returned error marks the
	// transaction rollback-only; it does not stop other synchronizers
	// from being notified.
	BeforeCompletion(ctx context.Context, txn Transaction) error

	// AfterCompletion is called after corresponding transaction was completed.
	//
	// status is either Committed or RolledBack.
	AfterCompletion(txn Transaction, status Status)
}

// RollbackError is returned by Commit when the transaction was rolled back instead.
type RollbackError struct {
	ID  string // transaction ID
	Err error  // why
}

func (e *RollbackError) Error() string {
	s := "transaction " + e.ID + ": rolled back"
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *RollbackError) Unwrap() error { return e.Err }
