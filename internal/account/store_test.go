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

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/entity/internal/xtesting"
	"lab.nexedi.com/kirr/entity/transaction"
)

// testStore verifies store semantics on empty store s.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)

	load := func(ctx context.Context, id string) *Record {
		t.Helper()
		rec, err := s.Load(ctx, id)
		X(err)
		return rec
	}
	list := func(ctx context.Context, owner string) []string {
		t.Helper()
		idv, err := s.List(ctx, owner)
		X(err)
		return idv
	}
	total := func(ctx context.Context) int64 {
		t.Helper()
		n, err := s.Total(ctx)
		X(err)
		return n
	}

	require.Equal(t, int64(0), total(ctx))
	require.Empty(t, list(ctx, ""))

	// without transaction changes are applied immediately
	X(s.Insert(ctx, &Record{ID: "a", Owner: "alice", Balance: 10}))
	err := s.Insert(ctx, &Record{ID: "a", Owner: "bob", Balance: 1})
	var derr *DuplicateError
	require.True(t, errors.As(err, &derr), "err: %v", err)
	require.Equal(t, "a", derr.ID)
	require.Equal(t, &Record{ID: "a", Owner: "alice", Balance: 10}, load(ctx, "a"))

	_, err = s.Load(ctx, "zzz")
	require.True(t, errors.Is(err, ErrNotFound), "err: %v", err)
	err = s.Update(ctx, &Record{ID: "zzz", Owner: "x"})
	require.True(t, errors.Is(err, ErrNotFound), "err: %v", err)
	err = s.Delete(ctx, "zzz")
	require.True(t, errors.Is(err, ErrNotFound), "err: %v", err)

	// in transaction changes are seen by the transaction and applied on commit
	txn, tctx := transaction.New(ctx)
	X(s.Insert(tctx, &Record{ID: "b", Owner: "bob", Balance: 5}))
	X(s.Update(tctx, &Record{ID: "a", Owner: "alice", Balance: 20}))
	require.Equal(t, &Record{ID: "b", Owner: "bob", Balance: 5}, load(tctx, "b"))
	require.Equal(t, []string{"a", "b"}, list(tctx, ""))
	require.Equal(t, int64(25), total(tctx))
	X(txn.Commit(tctx))

	require.Equal(t, &Record{ID: "a", Owner: "alice", Balance: 20}, load(ctx, "a"))
	require.Equal(t, []string{"a", "b"}, list(ctx, ""))
	require.Equal(t, []string{"b"}, list(ctx, "bob"))
	require.Empty(t, list(ctx, "carol"))
	require.Equal(t, int64(25), total(ctx))

	// abort discards changes
	txn, tctx = transaction.New(ctx)
	X(s.Delete(tctx, "a"))
	X(s.Insert(tctx, &Record{ID: "c", Owner: "carol", Balance: 100}))
	require.Equal(t, []string{"b", "c"}, list(tctx, ""))
	_, err = s.Load(tctx, "a")
	require.True(t, errors.Is(err, ErrNotFound), "err: %v", err)
	txn.Abort(tctx)
	require.Equal(t, []string{"a", "b"}, list(ctx, ""))

	// and so does commit of rollback-only transaction
	txn, tctx = transaction.New(ctx)
	X(s.Delete(tctx, "b"))
	txn.SetRollbackOnly(nil)
	var rerr *transaction.RollbackError
	err = txn.Commit(tctx)
	require.True(t, errors.As(err, &rerr), "err: %v", err)
	require.Equal(t, []string{"a", "b"}, list(ctx, ""))

	txn, tctx = transaction.New(ctx)
	X(s.Delete(tctx, "b"))
	X(txn.Commit(tctx))
	_, err = s.Load(ctx, "b")
	require.True(t, errors.Is(err, ErrNotFound), "err: %v", err)
	require.Equal(t, int64(20), total(ctx))
}

func TestMemStore(t *testing.T) {
	testStore(t, NewMemStore())
}

// Uncommitted changes are not visible outside of their transaction.
func TestMemStoreIsolation(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)
	s := NewMemStore()
	X(s.Insert(ctx, &Record{ID: "a", Owner: "alice", Balance: 10}))

	txn1, tctx1 := transaction.New(ctx)
	txn2, tctx2 := transaction.New(ctx)
	X(s.Update(tctx1, &Record{ID: "a", Owner: "alice", Balance: 11}))
	X(s.Insert(tctx1, &Record{ID: "b", Owner: "bob"}))
	X(s.Insert(tctx2, &Record{ID: "b", Owner: "bob2"}))

	rec, err := s.Load(tctx2, "a")
	X(err)
	require.Equal(t, int64(10), rec.Balance)
	_, err = s.Load(ctx, "b")
	require.True(t, errors.Is(err, ErrNotFound))

	// the second transaction to commit new account loses
	X(txn1.Commit(tctx1))
	err = txn2.Commit(tctx2)
	var derr *DuplicateError
	require.True(t, errors.As(err, &derr), "err: %v", err)
	rec, err = s.Load(ctx, "b")
	X(err)
	require.Equal(t, "bob", rec.Owner)

	// the store is usable after failed vote
	txn3, tctx3 := transaction.New(ctx)
	X(s.Delete(tctx3, "b"))
	X(txn3.Commit(tctx3))
}

// writes staged concurrently through one transaction are all committed.
func TestMemStoreSharedTxn(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	txn, tctx := transaction.New(ctx)
	const n = 32
	wg := errgroup.Group{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("a%d", i)
		wg.Go(func() error {
			return s.Insert(tctx, &Record{ID: id, Owner: "alice", Balance: 1})
		})
	}
	require.NoError(t, wg.Wait())
	require.NoError(t, txn.Commit(tctx))

	total, err := s.Total(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(n), total)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "sqlite3:"+filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	defer s.Close()
	require.IsType(t, &SQLStore{}, s)
	testStore(t, s)
}

// testSQLServer runs store tests against database server named by $env.
func testSQLServer(t *testing.T, driver, env string) {
	ctx := context.Background()
	dsn := xtesting.NeedDSN(t, env)
	s, err := OpenSQL(ctx, driver, dsn)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.db.ExecContext(ctx, "DELETE FROM account")
	require.NoError(t, err)
	testStore(t, s)
}

func TestMySQLStore(t *testing.T)    { testSQLServer(t, "mysql", "ENTITY_TEST_MYSQL") }
func TestPostgresStore(t *testing.T) { testSQLServer(t, "postgres", "ENTITY_TEST_POSTGRES") }

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "mem")
	require.NoError(t, err)
	require.IsType(t, &MemStore{}, s)

	for _, storeURL := range []string{"sqlite3", "sqlite3:", "oracle:scott@db"} {
		_, err := Open(ctx, storeURL)
		require.Error(t, err, storeURL)
	}
}

func TestRebind(t *testing.T) {
	query := "UPDATE account SET owner=?, balance=? WHERE id=?"
	s := &SQLStore{driver: "sqlite3"}
	require.Equal(t, query, s.rebind(query))
	s.driver = "postgres"
	require.Equal(t, "UPDATE account SET owner=$1, balance=$2 WHERE id=$3", s.rebind(query))
}
