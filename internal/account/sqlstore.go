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
// SQL store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/entity/internal/log"
	"lab.nexedi.com/kirr/entity/transaction"
)

// table "account" stores one row per account.
const schema = `
	id	VARCHAR(64) NOT NULL PRIMARY KEY,
	owner	VARCHAR(64) NOT NULL,
	balance	BIGINT NOT NULL
`

// SQLStore is Store that keeps accounts in SQL database.
//
// Supported drivers are sqlite3, mysql and postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	url    string
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens SQL store at dsn with database/sql driver and creates the
// account table if it does not exist yet.
func OpenSQL(ctx context.Context, driver, dsn string) (_ *SQLStore, err error) {
	url := driver + ":" + dsn
	defer xerr.Contextf(&err, "account: open %s", url)

	switch driver {
	case "sqlite3", "mysql", "postgres":
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, driver: driver, url: url}

	// check we can actually access db
	err = db.PingContext(ctx)
	if err == nil {
		_, err = db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS account (" + schema + ")")
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) URL() string  { return s.url }
func (s *SQLStore) Close() error { return s.db.Close() }

// rebind converts ? placeholders in query into the driver's placeholder syntax.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// querier is what *sql.DB and *sql.Tx have in common.
type querier interface {
	ExecContext(ctx context.Context, query string, argv ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, argv ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, argv ...interface{}) *sql.Row
}

// sqlTxn is database transaction backing one transaction.Transaction.
//
// It is the store's transaction.DataManager.
type sqlTxn struct {
	store *SQLStore

	mu   sync.Mutex
	tx   *sql.Tx // nil after completion
	txid string
}

type sqlTxnKey struct{ store *SQLStore }

// q returns querier to use for ctx: database transaction associated with
// transaction in ctx, or the database itself if ctx has no transaction.
func (s *SQLStore) q(ctx context.Context) (querier, error) {
	txn := transaction.Lookup(ctx)
	if txn == nil {
		return s.db, nil
	}

	key := sqlTxnKey{s}
	if st, _ := txn.GetResource(key).(*sqlTxn); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.tx == nil {
			return nil, fmt.Errorf("transaction %s already completed", st.txid)
		}
		return st.tx, nil
	}

	// the transaction must not be cancelled together with ctx of one call
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, err
	}
	st := &sqlTxn{store: s, tx: tx, txid: txn.ID()}
	if _, loaded := txn.LoadOrStoreResource(key, st); loaded {
		// another call in this transaction began its database transaction first
		if err := tx.Rollback(); err != nil {
			log.Warningf(ctx, "%s: rollback: %s", s.url, err)
		}
		return s.q(ctx)
	}
	txn.Join(st)
	return tx, nil
}

func (s *SQLStore) query1(ctx context.Context, query string, argv ...interface{}) (*sql.Row, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	return q.QueryRowContext(ctx, s.rebind(query), argv...), nil
}

func (s *SQLStore) exec(ctx context.Context, query string, argv ...interface{}) (int64, error) {
	q, err := s.q(ctx)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, s.rebind(query), argv...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) opError(op string, args interface{}, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{URL: s.url, Op: op, Args: args, Err: err}
}

func (s *SQLStore) Load(ctx context.Context, id string) (*Record, error) {
	row, err := s.query1(ctx, "SELECT id, owner, balance FROM account WHERE id=?", id)
	if err != nil {
		return nil, s.opError("load", id, err)
	}

	rec := &Record{}
	err = row.Scan(&rec.ID, &rec.Owner, &rec.Balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, s.opError("load", id, err)
	}
	return rec, nil
}

func (s *SQLStore) Insert(ctx context.Context, rec *Record) error {
	_, err := s.Load(ctx, rec.ID)
	switch {
	case err == nil:
		return &DuplicateError{ID: rec.ID}
	case err != ErrNotFound:
		return err
	}

	_, err = s.exec(ctx, "INSERT INTO account (id, owner, balance) VALUES (?, ?, ?)",
		rec.ID, rec.Owner, rec.Balance)
	return s.opError("insert", rec.ID, err)
}

func (s *SQLStore) Update(ctx context.Context, rec *Record) error {
	n, err := s.exec(ctx, "UPDATE account SET owner=?, balance=? WHERE id=?",
		rec.Owner, rec.Balance, rec.ID)
	if err == nil && n == 0 {
		// mysql reports 0 for rows that did not change
		_, err = s.Load(ctx, rec.ID)
	}
	return s.opError("update", rec.ID, err)
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	n, err := s.exec(ctx, "DELETE FROM account WHERE id=?", id)
	if err == nil && n == 0 {
		err = ErrNotFound
	}
	return s.opError("delete", id, err)
}

func (s *SQLStore) List(ctx context.Context, owner string) (idv []string, err error) {
	defer func() {
		err = s.opError("list", owner, err)
	}()

	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	query, argv := "SELECT id FROM account ORDER BY id", []interface{}{}
	if owner != "" {
		query, argv = "SELECT id FROM account WHERE owner=? ORDER BY id", []interface{}{owner}
	}
	rows, err := q.QueryContext(ctx, s.rebind(query), argv...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		err = rows.Scan(&id)
		if err != nil {
			return nil, err
		}
		idv = append(idv, id)
	}
	return idv, rows.Err()
}

func (s *SQLStore) Total(ctx context.Context) (int64, error) {
	row, err := s.query1(ctx, "SELECT COALESCE(SUM(balance), 0) FROM account")
	if err != nil {
		return 0, s.opError("total", nil, err)
	}
	var total int64
	err = row.Scan(&total)
	if err != nil {
		return 0, s.opError("total", nil, err)
	}
	return total, nil
}

// ---- transaction.DataManager ----

// done takes database transaction out of st.
func (st *sqlTxn) done() *sql.Tx {
	st.mu.Lock()
	defer st.mu.Unlock()
	tx := st.tx
	st.tx = nil
	return tx
}

func (st *sqlTxn) rollback(ctx context.Context) {
	tx := st.done()
	if tx == nil {
		return
	}
	err := tx.Rollback()
	if err != nil {
		log.Warningf(ctx, "%s: transaction %s: rollback: %s", st.store.url, st.txid, err)
	}
}

func (st *sqlTxn) Abort(txn transaction.Transaction) {
	st.rollback(context.Background())
}

func (st *sqlTxn) TPCBegin(txn transaction.Transaction) {}

func (st *sqlTxn) Commit(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

func (st *sqlTxn) TPCVote(ctx context.Context, txn transaction.Transaction) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.tx == nil {
		return fmt.Errorf("%s: transaction %s already completed", st.store.url, st.txid)
	}
	return nil
}

func (st *sqlTxn) TPCFinish(ctx context.Context, txn transaction.Transaction) error {
	tx := st.done()
	if tx == nil {
		return nil
	}
	return errors.Wrapf(tx.Commit(), "%s: transaction %s: commit", st.store.url, st.txid)
}

func (st *sqlTxn) TPCAbort(ctx context.Context, txn transaction.Transaction) {
	st.rollback(ctx)
}
