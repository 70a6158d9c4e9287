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
// synchronization wrapper and transaction-scoped registry

import (
	"context"
	"sync"

	"lab.nexedi.com/kirr/entity/deploy"
	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/internal/log"
	"lab.nexedi.com/kirr/entity/transaction"
)

// wrapperKey identifies identity pinned to a transaction.
type wrapperKey struct {
	txn        string
	deployment string
	pk         interface{}
}

// txRegistry maps (transaction, deployment, identity) to syncWrapper.
type txRegistry struct {
	mu sync.Mutex
	m  map[wrapperKey]*syncWrapper
}

func (r *txRegistry) get(key wrapperKey) *syncWrapper {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[key]
}

// loadOrStore returns wrapper registered under key, if any. Otherwise it registers w.
func (r *txRegistry) loadOrStore(key wrapperKey, w *syncWrapper) (actual *syncWrapper, loaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w2, ok := r.m[key]; ok {
		return w2, true
	}
	if r.m == nil {
		r.m = make(map[wrapperKey]*syncWrapper)
	}
	r.m[key] = w
	return w, false
}

// remove unregisters w. It returns whether w was registered.
func (r *txRegistry) remove(w *syncWrapper) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.m[w.key] != w {
		return false
	}
	delete(r.m, w.key)
	return true
}

func (r *txRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// syncWrapper pins an instance to an identity for the duration of a transaction.
//
// It is registered to the transaction as Synchronizer: at commit it stores
// the instance state and, after completion, it unpins the instance and
// returns it to the pool.
type syncWrapper struct {
	im  *InstanceManager
	key wrapperKey
	bc  *deploy.BeanContext
	pk  interface{}

	mu         sync.Mutex
	inst       *Instance // nil after discard
	associated bool      // false once identity was removed or its instance discarded
	checkouts  int       // how many calls currently use inst; available = (checkouts == 0)
}

func (w *syncWrapper) available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkouts == 0
}

func (w *syncWrapper) isAssociated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.associated
}

func (w *syncWrapper) disassociate() {
	w.mu.Lock()
	w.associated = false
	w.mu.Unlock()
}

// BeforeCompletion stores state of pinned instance.
//
// Store failure marks the transaction rollback-only. It is not returned.
func (w *syncWrapper) BeforeCompletion(ctx context.Context, txn transaction.Transaction) error {
	w.mu.Lock()
	associated, inst := w.associated, w.inst
	w.mu.Unlock()

	// nothing to store for removed identity; neither when rolling back
	if !associated || inst == nil || txn.Status() == transaction.RollingBack {
		return nil
	}

	cc := NewCallContext(w.bc, w.pk, "", ejb.OpStore)
	ctx = WithCallContext(ctx, cc)
	err := callback(ctx, cc, ejb.OpStore, inst.Bean.EjbStore)
	if err != nil {
		log.Errorf(ctx, "%s: %s", cc, err)
		txn.SetRollbackOnly(err)
	}
	return nil
}

// AfterCompletion unregisters the wrapper and returns pinned instance to the pool.
func (w *syncWrapper) AfterCompletion(txn transaction.Transaction, status transaction.Status) {
	im := w.im
	if im.registry.remove(w) {
		im.metrics.wrapperDone(w.bc.ID())
	}

	w.mu.Lock()
	inst := w.inst
	associated := w.associated
	available := (w.checkouts == 0)
	w.inst = nil
	w.associated = false
	w.mu.Unlock()

	// instance still in use by a call will be pooled when the call returns
	if inst == nil || !available {
		return
	}

	cc := NewCallContext(w.bc, w.pk, "", ejb.OpPassivate)
	ctx := WithCallContext(context.Background(), cc)
	if !associated {
		im.FreeInstance(ctx, inst)
		return
	}

	err := callback(ctx, cc, ejb.OpPassivate, inst.Bean.EjbPassivate)
	if err != nil {
		log.Errorf(ctx, "%s: %s", cc, err)
		im.FreeInstance(ctx, inst)
		return
	}
	im.pushPool(ctx, inst)
}
