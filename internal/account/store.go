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

package account
// account storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Record is persistent state of one account.
type Record struct {
	ID      string
	Owner   string
	Balance int64
}

// Store persists account records.
//
// If ctx has a transaction, modifications are staged and become visible to
// other transactions only when that transaction commits: the store joins
// the transaction as transaction.DataManager on first modification.
// Without transaction every modification is applied immediately.
type Store interface {
	// URL returns URL of the store.
	URL() string

	// Load loads record of account id.
	//
	// It returns ErrNotFound if there is no such account.
	Load(ctx context.Context, id string) (*Record, error)

	// Insert stores record of new account.
	//
	// It returns *DuplicateError if account rec.ID already exists.
	Insert(ctx context.Context, rec *Record) error

	// Update updates record of existing account.
	Update(ctx context.Context, rec *Record) error

	// Delete deletes account id.
	Delete(ctx context.Context, id string) error

	// List returns sorted ids of accounts owned by owner.
	// Empty owner means all accounts.
	List(ctx context.Context, owner string) ([]string, error)

	// Total returns sum of balances of all accounts.
	Total(ctx context.Context) (int64, error)

	Close() error
}

// ErrNotFound is returned by Store.Load for missing account.
var ErrNotFound = errors.New("no such account")

// DuplicateError is returned by Store.Insert when account already exists.
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("account %q already exists", e.ID)
}

// OpError is error returned by Store operations.
type OpError struct {
	URL  string      // URL of the store
	Op   string      // operation that failed
	Args interface{} // operation arguments, if any
	Err  error       // actual error that occurred during the operation
}

func (e *OpError) Error() string {
	s := e.URL + ": " + e.Op
	if e.Args != nil {
		s += fmt.Sprintf(" %v", e.Args)
	}
	s += ": " + e.Err.Error()
	return s
}

func (e *OpError) Unwrap() error { return e.Err }

// Open opens store specified by storeURL.
//
// storeURL is "mem" for in-memory store, or "<driver>:<dsn>" for SQL store,
// e.g. "sqlite3:/tmp/accounts.db" or "postgres:postgres://localhost/bank".
func Open(ctx context.Context, storeURL string) (Store, error) {
	if storeURL == "" || storeURL == "mem" {
		return NewMemStore(), nil
	}

	driver, dsn, ok := strings.Cut(storeURL, ":")
	if !ok || dsn == "" {
		return nil, fmt.Errorf("account: open %q: want <driver>:<dsn>", storeURL)
	}
	return OpenSQL(ctx, driver, dsn)
}
