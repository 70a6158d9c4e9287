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

// Package entity hosts entity bean instances and runs calls to them.
//
// Container multiplexes many identities (primary keys) over a bounded pool
// of bean instances per deployment. Every call goes through the same
// pipeline:
//
//	authorize -> open transaction scope -> obtain instance -> call bean
//	          -> return instance -> close transaction scope
//
// Inside a transaction an identity stays pinned to one instance until the
// transaction completes: the instance is loaded on first touch and stored
// at commit. Outside of transactions the instance is loaded before and
// stored after every business call.
//
// Failures of bean code are split into application and system ones, see
// package ejb. On system failure the instance is discarded and the
// transaction is marked rollback-only. On application failure the instance
// is kept.
package entity

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/entity/deploy"
	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/internal/log"
	"lab.nexedi.com/kirr/entity/internal/task"
	taskctx "lab.nexedi.com/kirr/entity/internal/xcontext/task"
	"lab.nexedi.com/kirr/entity/security"
	"lab.nexedi.com/kirr/entity/txpolicy"
)

// DefaultPoolSize is the default bound of per-deployment instance pool.
const DefaultPoolSize = 100

// Options control Container.
type Options struct {
	// PoolSize bounds number of free instances kept per deployment.
	// 0 means DefaultPoolSize; < 0 means no bound.
	PoolSize int

	// Security authorizes calls. nil means security.Unchecked.
	Security security.Service

	// Metrics, if !nil, collects container statistics.
	Metrics *Metrics

	Hooks Hooks
}

// Hooks are points where users of Container can extend call processing.
//
// Error returned by a hook is handled as if it was returned by bean code.
type Hooks struct {
	// DidCreateBean is called after create method returned new primary key
	// and before post-create method is called.
	DidCreateBean func(ctx context.Context, bean ejb.EntityBean) error

	// DidRemove is called after EjbRemove succeeded.
	DidRemove func(ctx context.Context, bean ejb.EntityBean) error
}

// String represents container options in human-readable form.
//
// For example:
//
//	(pool=100, security=*security.Realm, metrics)
func (opt *Options) String() string {
	s := "(pool="
	switch {
	case opt.PoolSize == 0:
		s += fmt.Sprintf("%d", DefaultPoolSize)
	case opt.PoolSize < 0:
		s += "∞"
	default:
		s += fmt.Sprintf("%d", opt.PoolSize)
	}

	s += ", security="
	if opt.Security == nil || opt.Security == security.Unchecked {
		s += "unchecked"
	} else {
		s += fmt.Sprintf("%T", opt.Security)
	}

	if opt.Metrics == nil {
		s += ", no"
	} else {
		s += ", "
	}
	s += "metrics)"
	return s
}

// Container runs calls to deployed entity beans.
//
// It is safe to use Container from multiple goroutines simultaneously.
type Container struct {
	opt      Options
	security security.Service
	metrics  *Metrics

	deployments deploy.Registry
	im          *InstanceManager
	entrancy    EntrancyTracker
}

// NewContainer creates new container.
func NewContainer(opt *Options) *Container {
	c := &Container{}
	if opt != nil {
		c.opt = *opt
	}

	c.security = c.opt.Security
	if c.security == nil {
		c.security = security.Unchecked
	}
	c.metrics = c.opt.Metrics

	poolSize := c.opt.PoolSize
	if poolSize == 0 {
		poolSize = DefaultPoolSize
	}
	c.im = newInstanceManager(poolSize, c.security, c.metrics)
	return c
}

// InstanceManager returns instance manager of the container.
func (c *Container) InstanceManager() *InstanceManager { return c.im }

// Deploy makes bc available for calls.
func (c *Container) Deploy(ctx context.Context, bc *deploy.BeanContext) error {
	err := c.deployments.Deploy(bc)
	if err != nil {
		return err
	}
	c.im.deploy(bc)
	log.Infof(ctx, "deploy %s", bc.ID())
	return nil
}

// DeployConfig is shortcut for deploy.New + Deploy.
func (c *Container) DeployConfig(ctx context.Context, cfg deploy.Config) (*deploy.BeanContext, error) {
	bc, err := deploy.New(cfg)
	if err != nil {
		return nil, err
	}
	err = c.Deploy(ctx, bc)
	if err != nil {
		return nil, err
	}
	return bc, nil
}

// Undeploy removes deployment id from the container.
//
// Free instances of the deployment are released. Instances pinned to
// transactions are released when those transactions complete.
func (c *Container) Undeploy(ctx context.Context, id string) (err error) {
	defer task.Runningf(&ctx, "undeploy %s", id)(&err)

	bc := c.deployments.Undeploy(id)
	if bc == nil {
		return fmt.Errorf("no such deployment")
	}
	c.im.undeploy(ctx, bc)
	log.Info(ctx, "undeployed")
	return nil
}

// Deployment returns deployment with id, or nil.
func (c *Container) Deployment(id string) *deploy.BeanContext {
	return c.deployments.Lookup(id)
}

// Deployments returns all deployments of the container ordered by ID.
func (c *Container) Deployments() []*deploy.BeanContext {
	return c.deployments.All()
}

// Invocation is one call into the container.
type Invocation struct {
	DeploymentID string
	Method       ejb.Method
	Args         []interface{} // arguments after ctx
	PrimaryKey   interface{}   // identity for component interface calls
	Principal    string        // "" means principal of the outer call, or security.PrincipalFrom(ctx)
}

func (inv *Invocation) String() string {
	if inv.PrimaryKey == nil {
		return fmt.Sprintf("%s: %s", inv.DeploymentID, inv.Method)
	}
	return fmt.Sprintf("%s[%v]: %s", inv.DeploymentID, inv.PrimaryKey, inv.Method)
}

// Invoke runs inv.
//
// Create returns ejb.ProxyInfo of the new identity. Find returns
// ejb.ProxyInfo, []ejb.ProxyInfo or iter.Seq[ejb.ProxyInfo], depending
// on what the finder returns. Remove returns nil. Home and business
// methods return what bean method returns.
//
// Returned error is *ejb.ApplicationError or *ejb.SystemError.
func (c *Container) Invoke(ctx context.Context, inv *Invocation) (ret interface{}, err error) {
	bc := c.deployments.Lookup(inv.DeploymentID)
	if bc == nil {
		return nil, ejb.SystemErrorf("%s: no such deployment", inv)
	}

	principal := inv.Principal
	if principal == "" {
		if outer := CallContextFrom(ctx); outer != nil {
			principal = outer.Principal
		} else {
			principal = security.PrincipalFrom(ctx)
		}
	}

	cc := NewCallContext(bc, inv.PrimaryKey, principal, ejb.OpBusiness)
	ctx = WithEntrancyScope(ctx)
	ctx = taskctx.Running(ctx, inv.String())
	ctx = WithCallContext(ctx, cc)

	path := "business"
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "application"
			if ejb.IsSystem(err) {
				outcome = "system"
			}
		}
		c.metrics.invoked(bc.ID(), path, outcome)
	}()

	if !c.security.IsCallerAuthorized(ctx, principal, bc.AuthorizedRoles(inv.Method)) {
		return nil, &ejb.ApplicationError{Err: &ejb.AccessDeniedError{Principal: principal, Method: inv.Method}}
	}

	bm, ok := bc.MatchingBeanMethod(inv.Method)
	if !ok {
		return nil, ejb.SystemErrorf("%s: no such method", inv)
	}

	switch bm.Op {
	case ejb.OpCreate:
		path = "create"
		return c.createEJBObject(ctx, cc, bm, inv.Args)

	case ejb.OpFind:
		path = "find"
		return c.findEJBObject(ctx, cc, bm, inv.Args)

	case ejb.OpRemove:
		path = "remove"
		if inv.Method.Interface.IsHome() && cc.PrimaryKey == nil {
			if len(inv.Args) != 1 {
				return nil, ejb.SystemErrorf("%s: want 1 argument (primary key); got %d", inv, len(inv.Args))
			}
			cc.PrimaryKey = inv.Args[0]
		}
		if cc.PrimaryKey == nil {
			return nil, ejb.SystemErrorf("%s: no primary key", inv)
		}
		err = checkPrimaryKey(cc.PrimaryKey)
		if err != nil {
			return nil, err
		}
		return nil, c.removeEJBObject(ctx, cc, bm)

	case ejb.OpHome:
		path = "home"
		cc.PrimaryKey = nil
		cc.SetOperation(ejb.OpHome)
		return c.invoke(ctx, cc, bm, inv.Args)

	default:
		if cc.PrimaryKey == nil {
			return nil, ejb.SystemErrorf("%s: no primary key", inv)
		}
		err = checkPrimaryKey(cc.PrimaryKey)
		if err != nil {
			return nil, err
		}
		return c.invoke(ctx, cc, bm, inv.Args)
	}
}

// checkPrimaryKey verifies pk can be used as identity.
func checkPrimaryKey(pk interface{}) error {
	if pk == nil {
		return ejb.SystemErrorf("nil primary key")
	}
	if !reflect.TypeOf(pk).Comparable() {
		return ejb.SystemErrorf("primary key of type %T is not comparable", pk)
	}
	return nil
}

// invoke runs business, home or find method bm on an instance inside transaction scope.
func (c *Container) invoke(ctx context.Context, cc *CallContext, bm *deploy.BeanMethod, args []interface{}) (ret interface{}, err error) {
	p, ctx, err := txpolicy.Begin(ctx, bm.Method, bm.TxType)
	if err != nil {
		return nil, err
	}
	cc.policy = p
	defer func() {
		err = xerr.First(err, p.AfterInvoke(ctx))
		if err != nil {
			ret = nil
		}
	}()

	err = c.entrancy.Enter(ctx, cc.Deployment, cc.PrimaryKey)
	if err != nil {
		return nil, p.HandleApplicationException(err, false)
	}
	defer c.entrancy.Exit(ctx, cc.Deployment, cc.PrimaryKey)

	inst, err := c.im.ObtainInstance(ctx)
	if err != nil {
		return nil, c.handleException(ctx, cc, nil, err)
	}

	err = c.loadIfNoTx(ctx, cc, inst)
	if err != nil {
		return nil, c.handleException(ctx, cc, nil, err)
	}

	ret, err = bm.Call(ctx, inst.Bean, args)
	if err != nil {
		return nil, c.handleException(ctx, cc, inst, err)
	}

	if cc.Operation() == ejb.OpBusiness {
		err = c.storeIfNoTx(ctx, cc, inst)
		if err != nil {
			return nil, c.handleException(ctx, cc, nil, err)
		}
	}

	err = c.im.PoolInstance(ctx, inst, cc.PrimaryKey)
	if err != nil {
		return nil, c.handleException(ctx, cc, nil, err)
	}
	return ret, nil
}

// createEJBObject runs create method and its post-create pair in one transaction scope.
func (c *Container) createEJBObject(ctx context.Context, cc *CallContext, bm *deploy.BeanMethod, args []interface{}) (ret interface{}, err error) {
	cc.PrimaryKey = nil
	cc.SetOperation(ejb.OpCreate)

	p, ctx, err := txpolicy.Begin(ctx, bm.Method, bm.TxType)
	if err != nil {
		return nil, err
	}
	cc.policy = p
	defer func() {
		err = xerr.First(err, p.AfterInvoke(ctx))
		if err != nil {
			ret = nil
		}
	}()

	inst, err := c.im.ObtainInstance(ctx)
	if err != nil {
		return nil, c.handleException(ctx, cc, nil, err)
	}

	pk, err := bm.Call(ctx, inst.Bean, args)
	if err == nil {
		err = checkPrimaryKey(pk)
	}
	if err == nil && c.opt.Hooks.DidCreateBean != nil {
		err = c.opt.Hooks.DidCreateBean(ctx, inst.Bean)
	}
	if err != nil {
		return nil, c.handleException(ctx, cc, inst, err)
	}

	// post-create runs with the new identity
	pcc := NewCallContext(cc.Deployment, pk, cc.Principal, ejb.OpPostCreate)
	pcc.policy = p
	_, err = bm.PostCreate.Call(WithCallContext(ctx, pcc), inst.Bean, args)
	if err != nil {
		return nil, c.handleException(ctx, cc, inst, err)
	}

	err = c.im.PoolInstance(ctx, inst, pk)
	if err != nil {
		return nil, c.handleException(ctx, cc, nil, err)
	}

	return ejb.ProxyInfo{
		DeploymentID: cc.Deployment.ID(),
		PrimaryKey:   pk,
		Interface:    bm.Method.Interface.Component(),
	}, nil
}

// findEJBObject runs finder and turns primary keys it returns into proxies.
func (c *Container) findEJBObject(ctx context.Context, cc *CallContext, bm *deploy.BeanMethod, args []interface{}) (interface{}, error) {
	cc.PrimaryKey = nil
	cc.SetOperation(ejb.OpFind)

	ret, err := c.invoke(ctx, cc, bm, args)
	if err != nil {
		return nil, err
	}

	iface := bm.Method.Interface.Component()
	proxy := func(pk interface{}) (ejb.ProxyInfo, error) {
		err := checkPrimaryKey(pk)
		if err != nil {
			return ejb.ProxyInfo{}, err
		}
		return ejb.ProxyInfo{DeploymentID: cc.Deployment.ID(), PrimaryKey: pk, Interface: iface}, nil
	}

	if ret == nil {
		return nil, nil
	}
	v := reflect.ValueOf(ret)

	// collection of primary keys
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		proxyv := make([]ejb.ProxyInfo, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			p, err := proxy(v.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			proxyv = append(proxyv, p)
		}
		return proxyv, nil
	}

	// enumeration of primary keys: func(yield func(pk) bool)
	if isSeq(v.Type()) {
		var proxyv []ejb.ProxyInfo
		var perr error
		yield := reflect.MakeFunc(v.Type().In(0), func(in []reflect.Value) []reflect.Value {
			p, err := proxy(in[0].Interface())
			if err != nil {
				perr = err
				return []reflect.Value{reflect.ValueOf(false)}
			}
			proxyv = append(proxyv, p)
			return []reflect.Value{reflect.ValueOf(true)}
		})
		v.Call([]reflect.Value{yield})
		if perr != nil {
			return nil, perr
		}
		return iter.Seq[ejb.ProxyInfo](func(yield func(ejb.ProxyInfo) bool) {
			for _, p := range proxyv {
				if !yield(p) {
					return
				}
			}
		}), nil
	}

	return proxy(ret)
}

// isSeq returns whether typ is func(yield func(T) bool).
func isSeq(typ reflect.Type) bool {
	if typ.Kind() != reflect.Func || typ.NumIn() != 1 || typ.NumOut() != 0 {
		return false
	}
	yield := typ.In(0)
	return yield.Kind() == reflect.Func && yield.NumIn() == 1 &&
		yield.NumOut() == 1 && yield.Out(0).Kind() == reflect.Bool
}

// removeEJBObject removes identity of cc in its own transaction scope.
func (c *Container) removeEJBObject(ctx context.Context, cc *CallContext, bm *deploy.BeanMethod) (err error) {
	cc.SetOperation(ejb.OpRemove)

	p, ctx, err := txpolicy.Begin(ctx, bm.Method, bm.TxType)
	if err != nil {
		return err
	}
	cc.policy = p
	defer func() {
		err = xerr.First(err, p.AfterInvoke(ctx))
	}()

	err = c.entrancy.Enter(ctx, cc.Deployment, cc.PrimaryKey)
	if err != nil {
		return p.HandleApplicationException(err, false)
	}
	defer c.entrancy.Exit(ctx, cc.Deployment, cc.PrimaryKey)

	inst, err := c.im.ObtainInstance(ctx)
	if err != nil {
		return c.handleException(ctx, cc, nil, err)
	}

	err = c.loadIfNoTx(ctx, cc, inst)
	if err != nil {
		return c.handleException(ctx, cc, nil, err)
	}

	_, err = bm.Call(ctx, inst.Bean, nil)
	if err == nil && c.opt.Hooks.DidRemove != nil {
		err = c.opt.Hooks.DidRemove(ctx, inst.Bean)
	}
	if err != nil {
		return c.handleException(ctx, cc, inst, err)
	}

	err = c.im.PoolInstance(ctx, inst, cc.PrimaryKey)
	if err != nil {
		return c.handleException(ctx, cc, nil, err)
	}
	return nil
}

// loadIfNoTx runs EjbLoad when the call addresses an identity outside of transaction.
//
// On failure inst is discarded.
func (c *Container) loadIfNoTx(ctx context.Context, cc *CallContext, inst *Instance) error {
	if cc.PrimaryKey == nil || activeTxn(ctx) != nil {
		return nil
	}

	err := callback(ctx, cc, ejb.OpLoad, inst.Bean.EjbLoad)
	if err != nil {
		c.im.discardInstance(ctx, cc, inst)
		if errors.Is(err, ejb.ErrNoSuchEntity) {
			return &ejb.ApplicationError{Err: &ejb.NoSuchObjectError{PrimaryKey: cc.PrimaryKey, Err: err}}
		}
		return systemError(err)
	}
	return nil
}

// storeIfNoTx runs EjbStore when the call addresses an identity outside of transaction.
//
// On failure inst is discarded.
func (c *Container) storeIfNoTx(ctx context.Context, cc *CallContext, inst *Instance) error {
	if cc.PrimaryKey == nil || activeTxn(ctx) != nil {
		return nil
	}

	err := callback(ctx, cc, ejb.OpStore, inst.Bean.EjbStore)
	if err != nil {
		c.im.discardInstance(ctx, cc, inst)
		return systemError(err)
	}
	return nil
}

// handleException classifies err of the call and lets transaction policy handle it.
//
// On system failure inst, if !nil, is discarded. On application failure it
// is returned to the instance manager.
func (c *Container) handleException(ctx context.Context, cc *CallContext, inst *Instance, err error) error {
	p := cc.policy
	typ := cc.Deployment.ExceptionType(err)

	if typ == ejb.System {
		if inst != nil {
			c.im.discardInstance(ctx, cc, inst)
		}
		return p.HandleSystemException(ctx, err)
	}

	if inst != nil {
		perr := c.im.PoolInstance(ctx, inst, cc.PrimaryKey)
		if perr != nil {
			log.Error(ctx, perr)
		}
	}
	return p.HandleApplicationException(err, typ == ejb.ApplicationRollback)
}
