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
// instance manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"lab.nexedi.com/kirr/entity/deploy"
	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/internal/log"
	taskctx "lab.nexedi.com/kirr/entity/internal/xcontext/task"
	"lab.nexedi.com/kirr/entity/security"
	"lab.nexedi.com/kirr/entity/transaction"
)

// InstanceManager hands out bean instances to calls and takes them back.
//
// Instances not bound to any identity live in per-deployment pools. An
// identity touched inside a transaction gets an instance pinned to it
// until the transaction completes, so that all calls for the identity in
// that transaction are served by the same instance.
//
// Every operation takes current call context from ctx.
type InstanceManager struct {
	poolSize int
	security security.Service
	metrics  *Metrics

	mu    sync.Mutex
	pools map[string]*instancePool // deployment -> free instances

	registry txRegistry
}

func newInstanceManager(poolSize int, sec security.Service, metrics *Metrics) *InstanceManager {
	return &InstanceManager{
		poolSize: poolSize,
		security: sec,
		metrics:  metrics,
		pools:    make(map[string]*instancePool),
	}
}

// deploy creates instance pool for bc.
func (im *InstanceManager) deploy(bc *deploy.BeanContext) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.pools[bc.ID()] = &instancePool{max: im.poolSize}
}

// undeploy drops instance pool of bc and frees instances that were in it.
//
// Instances pinned to transactions are freed when the transactions complete.
func (im *InstanceManager) undeploy(ctx context.Context, bc *deploy.BeanContext) {
	im.mu.Lock()
	pool := im.pools[bc.ID()]
	delete(im.pools, bc.ID())
	im.mu.Unlock()

	if pool == nil {
		return
	}
	for _, inst := range pool.close() {
		cc := NewCallContext(bc, nil, "", ejb.OpUnsetContext)
		im.FreeInstance(WithCallContext(ctx, cc), inst)
	}
	im.metrics.poolSize(bc.ID(), 0)
}

func (im *InstanceManager) pool(bc *deploy.BeanContext) *instancePool {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.pools[bc.ID()]
}

// activeTxn returns transaction of ctx if participants can still join it.
func activeTxn(ctx context.Context) transaction.Transaction {
	txn := transaction.Lookup(ctx)
	if txn == nil || !txn.Status().CanRegister() {
		return nil
	}
	return txn
}

// callback runs lifecycle callback fn with current operation switched to op.
//
// Panic in fn is returned as *ejb.SystemError.
func callback(ctx context.Context, cc *CallContext, op ejb.Operation, fn func(context.Context) error) (err error) {
	prev := cc.SetOperation(op)
	defer cc.SetOperation(prev)
	defer func() {
		r := recover()
		if r != nil {
			err = &ejb.SystemError{Err: &deploy.PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()

	err = fn(taskctx.Running(ctx, op.String()))
	if err != nil {
		err = fmt.Errorf("%s: %w", op, err)
	}
	return err
}

// ObtainInstance returns instance ready to execute current operation.
//
// Inside a transaction a call addressing an identity gets the instance
// pinned to that identity, loading it first if the identity is touched
// by the transaction for the first time. Other calls get an instance from
// the pool.
func (im *InstanceManager) ObtainInstance(ctx context.Context) (*Instance, error) {
	cc := mustCallContext(ctx)
	txn := activeTxn(ctx)
	if txn == nil || cc.PrimaryKey == nil {
		return im.getPooledInstance(ctx, cc)
	}

	bc := cc.Deployment
	key := wrapperKey{txn: txn.ID(), deployment: bc.ID(), pk: cc.PrimaryKey}
	for {
		w := im.registry.get(key)
		if w != nil {
			return im.checkout(cc, w)
		}

		inst, err := im.getPooledInstance(ctx, cc)
		if err != nil {
			return nil, err
		}

		// the wrapper becomes visible to other calls only after LOAD completes
		err = callback(ctx, cc, ejb.OpLoad, inst.Bean.EjbLoad)
		if err != nil {
			im.destroyInstance(ctx, cc, inst)
			// identity stays unusable for the rest of the transaction
			im.pin(txn, &syncWrapper{im: im, key: key, bc: bc, pk: cc.PrimaryKey})
			if errors.Is(err, ejb.ErrNoSuchEntity) {
				return nil, &ejb.ApplicationError{Err: &ejb.NoSuchObjectError{PrimaryKey: cc.PrimaryKey, Err: err}}
			}
			log.Error(ctx, err)
			return nil, systemError(err)
		}

		w = &syncWrapper{
			im:         im,
			key:        key,
			bc:         bc,
			pk:         cc.PrimaryKey,
			inst:       inst,
			associated: cc.Operation() != ejb.OpRemove,
			checkouts:  1,
		}
		if im.pin(txn, w) {
			return inst, nil
		}

		// another call of this transaction pinned the identity first
		err = im.passivate(ctx, cc, inst)
		if err != nil {
			return nil, err
		}
		im.pushPool(ctx, inst)
	}
}

// pin registers w in the transaction-scoped registry and as synchronization of txn.
//
// It returns false, and does nothing, if the identity of w is already pinned.
func (im *InstanceManager) pin(txn transaction.Transaction, w *syncWrapper) bool {
	_, loaded := im.registry.loadOrStore(w.key, w)
	if loaded {
		return false
	}
	im.metrics.wrapperAdded(w.bc.ID())
	txn.RegisterSync(w)
	return true
}

// passivate runs PASSIVATE on inst that served business or remove call.
//
// Failure marks the transaction rollback-only and frees inst.
func (im *InstanceManager) passivate(ctx context.Context, cc *CallContext, inst *Instance) error {
	switch cc.Operation() {
	case ejb.OpBusiness, ejb.OpRemove:
	default:
		return nil
	}
	err := callback(ctx, cc, ejb.OpPassivate, inst.Bean.EjbPassivate)
	if err != nil {
		log.Error(ctx, err)
		if txn := activeTxn(ctx); txn != nil {
			txn.SetRollbackOnly(err)
		}
		im.destroyInstance(ctx, cc, inst)
		return systemError(err)
	}
	return nil
}

// checkout takes pinned instance out of w.
func (im *InstanceManager) checkout(cc *CallContext, w *syncWrapper) (*Instance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.associated || w.inst == nil {
		return nil, &ejb.ApplicationError{Err: &ejb.NoSuchObjectError{PrimaryKey: cc.PrimaryKey}}
	}
	if w.checkouts > 0 && !cc.Deployment.IsReentrant() {
		return nil, &ejb.ApplicationError{Err: &ejb.ReentrancyError{
			DeploymentID: cc.Deployment.ID(), PrimaryKey: cc.PrimaryKey}}
	}

	// no store for identity that is being removed
	if cc.Operation() == ejb.OpRemove {
		w.associated = false
	}
	w.checkouts++
	return w.inst, nil
}

// getPooledInstance takes an instance from the pool, or creates new one.
//
// Instance taken to serve business or remove call is activated.
func (im *InstanceManager) getPooledInstance(ctx context.Context, cc *CallContext) (*Instance, error) {
	bc := cc.Deployment
	pool := im.pool(bc)
	if pool == nil {
		return nil, ejb.SystemErrorf("invalid deployment id %q for this container", bc.ID())
	}

	inst := pool.pop()
	if inst != nil {
		im.metrics.poolSize(bc.ID(), pool.len())
	} else {
		bean, err := bc.NewInstance()
		if err != nil {
			log.Error(ctx, err)
			return nil, systemError(err)
		}
		inst = &Instance{Bean: bean, deployment: bc}
		im.metrics.instanceCreated(bc.ID())

		ectx := &entityContext{security: im.security}
		err = callback(ctx, cc, ejb.OpSetContext, func(ctx context.Context) error {
			return bean.SetEntityContext(ctx, ectx)
		})
		if err != nil {
			log.Error(ctx, err)
			im.metrics.instanceDiscarded(bc.ID())
			return nil, &ejb.ApplicationError{Err: err}
		}
	}

	switch cc.Operation() {
	case ejb.OpBusiness, ejb.OpRemove:
		err := callback(ctx, cc, ejb.OpActivate, inst.Bean.EjbActivate)
		if err != nil {
			log.Error(ctx, err)
			if txn := activeTxn(ctx); txn != nil {
				txn.SetRollbackOnly(err)
			}
			im.destroyInstance(ctx, cc, inst)
			return nil, systemError(err)
		}
	}

	return inst, nil
}

// PoolInstance takes back instance that served current call for identity pk.
//
// Inside a transaction the instance stays pinned to pk: it is returned
// into its synchronization wrapper, or, right after create, a new wrapper
// is made for it. Otherwise the instance is passivated and returned to the
// pool. After remove the instance goes to the pool directly.
func (im *InstanceManager) PoolInstance(ctx context.Context, inst *Instance, pk interface{}) error {
	if inst == nil {
		return nil
	}

	cc := mustCallContext(ctx)
	op := cc.Operation()
	bc := cc.Deployment
	txn := activeTxn(ctx)

	if txn != nil && pk != nil {
		key := wrapperKey{txn: txn.ID(), deployment: bc.ID(), pk: pk}
		for {
			w := im.registry.get(key)
			if w != nil {
				im.checkin(ctx, w, inst, op)
				return nil
			}

			// create under transaction of the caller: pin the new identity
			w = &syncWrapper{
				im:         im,
				key:        key,
				bc:         bc,
				pk:         pk,
				inst:       inst,
				associated: true,
			}
			_, loaded := im.registry.loadOrStore(key, w)
			if loaded {
				continue
			}
			im.metrics.wrapperAdded(bc.ID())
			txn.RegisterSync(w)
			return nil
		}
	}

	if pk != nil && op != ejb.OpRemove {
		err := callback(ctx, cc, ejb.OpPassivate, inst.Bean.EjbPassivate)
		if err != nil {
			log.Error(ctx, err)
			if txn := activeTxn(ctx); txn != nil {
				txn.SetRollbackOnly(err)
			}
			im.freeInstance(ctx, cc, inst)
			return systemError(err)
		}
	}

	im.pushPool(ctx, inst)
	return nil
}

// checkin returns inst into its wrapper after a call of operation op.
func (im *InstanceManager) checkin(ctx context.Context, w *syncWrapper, inst *Instance, op ejb.Operation) {
	w.mu.Lock()
	if w.checkouts > 0 {
		w.checkouts--
	}

	switch {
	// identity removed: the instance is of no use for it anymore
	case op == ejb.OpRemove:
		w.associated = false
		if w.inst == inst {
			w.inst = nil
		}
		w.mu.Unlock()
		im.pushPool(ctx, inst)

	// new-delete-new: identity is created again
	case op == ejb.OpCreate:
		prev := w.inst
		w.associated = true
		w.inst = inst
		w.checkouts = 0
		w.mu.Unlock()
		if prev != nil && prev != inst {
			im.FreeInstance(ctx, prev)
		}

	// instance was discarded while in use
	case !w.associated && w.inst != inst:
		w.mu.Unlock()
		im.FreeInstance(ctx, inst)

	default:
		w.inst = inst
		w.mu.Unlock()
	}
}

// DiscardInstance makes sure instance that served current call is never used again.
//
// The instance is unpinned from identity of the call and is not returned to the pool.
func (im *InstanceManager) DiscardInstance(ctx context.Context, inst *Instance) {
	cc := mustCallContext(ctx)
	im.discardInstance(ctx, cc, inst)
}

func (im *InstanceManager) discardInstance(ctx context.Context, cc *CallContext, inst *Instance) {
	im.metrics.instanceDiscarded(cc.Deployment.ID())
	log.V(1).Info(ctx, "discard instance")

	txn := activeTxn(ctx)
	if txn == nil || cc.PrimaryKey == nil {
		return
	}

	key := wrapperKey{txn: txn.ID(), deployment: cc.Deployment.ID(), pk: cc.PrimaryKey}
	w := im.registry.get(key)
	if w == nil {
		return
	}
	w.mu.Lock()
	w.associated = false
	if w.inst == inst {
		w.inst = nil
		w.checkouts = 0
	}
	w.mu.Unlock()
}

// FreeInstance discards instance that served current call and unsets its entity context.
func (im *InstanceManager) FreeInstance(ctx context.Context, inst *Instance) {
	cc := mustCallContext(ctx)
	im.freeInstance(ctx, cc, inst)
}

func (im *InstanceManager) freeInstance(ctx context.Context, cc *CallContext, inst *Instance) {
	im.discardInstance(ctx, cc, inst)
	im.unsetContext(ctx, cc, inst)
}

// destroyInstance frees inst that is not pinned to any identity.
func (im *InstanceManager) destroyInstance(ctx context.Context, cc *CallContext, inst *Instance) {
	im.metrics.instanceDiscarded(cc.Deployment.ID())
	log.V(1).Info(ctx, "discard instance")
	im.unsetContext(ctx, cc, inst)
}

func (im *InstanceManager) unsetContext(ctx context.Context, cc *CallContext, inst *Instance) {
	err := callback(ctx, cc, ejb.OpUnsetContext, inst.Bean.UnsetEntityContext)
	if err != nil {
		// the instance is thrown away anyway
		log.Infof(ctx, "ignoring %s", err)
	}
}

// pushPool returns inst to the pool of its deployment.
//
// If the pool is full, or the deployment is gone, inst is freed instead.
func (im *InstanceManager) pushPool(ctx context.Context, inst *Instance) {
	bc := inst.deployment
	pool := im.pool(bc)
	if pool != nil && pool.push(inst) {
		im.metrics.poolSize(bc.ID(), pool.len())
		return
	}

	cc := NewCallContext(bc, nil, "", ejb.OpUnsetContext)
	im.freeInstance(WithCallContext(ctx, cc), cc, inst)
}

// systemError wraps err into *ejb.SystemError unless it is already such.
func systemError(err error) error {
	var serr *ejb.SystemError
	if errors.As(err, &serr) {
		return err
	}
	return &ejb.SystemError{Err: err}
}
