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
// in-memory store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lab.nexedi.com/kirr/entity/transaction"
)

// MemStore is Store that keeps accounts in memory.
type MemStore struct {
	url string

	mu   sync.Mutex
	data map[string]Record // committed state

	// serializes vote..finish of committing transactions
	commitMu sync.Mutex
}

var _ Store = (*MemStore)(nil)

var memSeq struct {
	sync.Mutex
	n int
}

// NewMemStore creates new empty in-memory store.
func NewMemStore() *MemStore {
	memSeq.Lock()
	memSeq.n++
	n := memSeq.n
	memSeq.Unlock()

	return &MemStore{
		url:  fmt.Sprintf("mem://%d", n),
		data: make(map[string]Record),
	}
}

func (s *MemStore) URL() string  { return s.url }
func (s *MemStore) Close() error { return nil }

// memTxn keeps modifications of one transaction to MemStore.
//
// It is the store's transaction.DataManager.
type memTxn struct {
	store *MemStore

	mu      sync.Mutex
	changed map[string]*Record // id -> new record; nil = deleted
	created map[string]bool    // ids inserted by this transaction
	voted   bool               // commitMu is held
}

type memTxnKey struct{ store *MemStore }

// txnOf returns modifications of transaction in ctx, or nil if ctx has no transaction.
// If join, the store joins the transaction on first use.
func (s *MemStore) txnOf(ctx context.Context, join bool) *memTxn {
	txn := transaction.Lookup(ctx)
	if txn == nil {
		return nil
	}
	key := memTxnKey{s}
	if mt, _ := txn.GetResource(key).(*memTxn); mt != nil || !join {
		return mt
	}
	mt := &memTxn{
		store:   s,
		changed: make(map[string]*Record),
		created: make(map[string]bool),
	}
	actual, loaded := txn.LoadOrStoreResource(key, mt)
	if loaded {
		return actual.(*memTxn)
	}
	txn.Join(mt)
	return mt
}

// get returns record id as seen by mt. Must be called with s.mu held.
func (s *MemStore) get(mt *memTxn, id string) (*Record, bool) {
	if mt != nil {
		mt.mu.Lock()
		rec, staged := mt.changed[id]
		mt.mu.Unlock()
		if staged {
			if rec == nil {
				return nil, false
			}
			r := *rec
			return &r, true
		}
	}
	rec, ok := s.data[id]
	if !ok {
		return nil, false
	}
	return &rec, true
}

func (s *MemStore) Load(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.get(s.txnOf(ctx, false), id)
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) Insert(ctx context.Context, rec *Record) error {
	mt := s.txnOf(ctx, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(mt, rec.ID); ok {
		return &DuplicateError{ID: rec.ID}
	}
	if mt == nil {
		s.data[rec.ID] = *rec
		return nil
	}
	mt.put(rec)
	mt.mu.Lock()
	mt.created[rec.ID] = true
	mt.mu.Unlock()
	return nil
}

func (s *MemStore) Update(ctx context.Context, rec *Record) error {
	mt := s.txnOf(ctx, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(mt, rec.ID); !ok {
		return &OpError{URL: s.url, Op: "update", Args: rec.ID, Err: ErrNotFound}
	}
	if mt == nil {
		s.data[rec.ID] = *rec
		return nil
	}
	mt.put(rec)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	mt := s.txnOf(ctx, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(mt, id); !ok {
		return &OpError{URL: s.url, Op: "delete", Args: id, Err: ErrNotFound}
	}
	if mt == nil {
		delete(s.data, id)
		return nil
	}
	mt.mu.Lock()
	mt.changed[id] = nil
	mt.mu.Unlock()
	return nil
}

// view returns all records as seen by transaction in ctx.
func (s *MemStore) view(ctx context.Context) []Record {
	mt := s.txnOf(ctx, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	var recv []Record
	seen := make(map[string]bool)
	if mt != nil {
		mt.mu.Lock()
		for id, rec := range mt.changed {
			seen[id] = true
			if rec != nil {
				recv = append(recv, *rec)
			}
		}
		mt.mu.Unlock()
	}
	for id, rec := range s.data {
		if !seen[id] {
			recv = append(recv, rec)
		}
	}
	return recv
}

func (s *MemStore) List(ctx context.Context, owner string) ([]string, error) {
	var idv []string
	for _, rec := range s.view(ctx) {
		if owner == "" || rec.Owner == owner {
			idv = append(idv, rec.ID)
		}
	}
	sort.Strings(idv)
	return idv, nil
}

func (s *MemStore) Total(ctx context.Context) (int64, error) {
	total := int64(0)
	for _, rec := range s.view(ctx) {
		total += rec.Balance
	}
	return total, nil
}

func (mt *memTxn) put(rec *Record) {
	r := *rec
	mt.mu.Lock()
	mt.changed[rec.ID] = &r
	mt.mu.Unlock()
}

// ---- transaction.DataManager ----

func (mt *memTxn) Abort(txn transaction.Transaction) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.changed = nil
	mt.created = nil
}

func (mt *memTxn) TPCBegin(txn transaction.Transaction) {}

func (mt *memTxn) Commit(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

// TPCVote checks that accounts created by the transaction were not created
// by another transaction committed meanwhile.
//
// On success the store stays locked for commits until TPCFinish or TPCAbort.
func (mt *memTxn) TPCVote(ctx context.Context, txn transaction.Transaction) error {
	s := mt.store
	s.commitMu.Lock()

	s.mu.Lock()
	defer s.mu.Unlock()
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for id := range mt.created {
		if _, ok := s.data[id]; ok {
			s.commitMu.Unlock()
			return &OpError{URL: s.url, Op: "vote", Args: txn.ID(), Err: &DuplicateError{ID: id}}
		}
	}
	mt.voted = true
	return nil
}

func (mt *memTxn) TPCFinish(ctx context.Context, txn transaction.Transaction) error {
	s := mt.store
	s.mu.Lock()
	mt.mu.Lock()
	for id, rec := range mt.changed {
		if rec == nil {
			delete(s.data, id)
		} else {
			s.data[id] = *rec
		}
	}
	mt.changed = nil
	voted := mt.voted
	mt.voted = false
	mt.mu.Unlock()
	s.mu.Unlock()

	if voted {
		s.commitMu.Unlock()
	}
	return nil
}

func (mt *memTxn) TPCAbort(ctx context.Context, txn transaction.Transaction) {
	mt.mu.Lock()
	mt.changed = nil
	voted := mt.voted
	mt.voted = false
	mt.mu.Unlock()

	if voted {
		mt.store.commitMu.Unlock()
	}
}
