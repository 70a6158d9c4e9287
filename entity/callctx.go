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
// call context

import (
	"context"
	"fmt"

	"lab.nexedi.com/kirr/entity/deploy"
	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/txpolicy"
)

// CallContext describes one call into the container.
//
// It is carried in context.Context given to bean methods: nested calls,
// e.g. post-create, run with their own CallContext derived from the
// context of the outer call, and the outer CallContext becomes current
// again when they return.
//
// CallContext is used by one goroutine at a time.
type CallContext struct {
	Deployment *deploy.BeanContext
	PrimaryKey interface{} // identity being addressed; nil for create, find and home calls
	Principal  string      // caller identity

	op     ejb.Operation
	policy *txpolicy.Policy // transaction scope of the call, if opened
}

// NewCallContext creates call context for operation op on identity pk of deployment bc.
func NewCallContext(bc *deploy.BeanContext, pk interface{}, principal string, op ejb.Operation) *CallContext {
	return &CallContext{Deployment: bc, PrimaryKey: pk, Principal: principal, op: op}
}

func (cc *CallContext) String() string {
	if cc.PrimaryKey == nil {
		return fmt.Sprintf("%s: %s", cc.Deployment.ID(), cc.op)
	}
	return fmt.Sprintf("%s[%v]: %s", cc.Deployment.ID(), cc.PrimaryKey, cc.op)
}

// Operation returns what the container is currently doing within this call.
func (cc *CallContext) Operation() ejb.Operation { return cc.op }

// SetOperation changes current operation and returns previous one.
func (cc *CallContext) SetOperation(op ejb.Operation) ejb.Operation {
	prev := cc.op
	cc.op = op
	return prev
}

// Policy returns transaction scope of the call, or nil.
func (cc *CallContext) Policy() *txpolicy.Policy { return cc.policy }

type callCtxKey struct{}

// WithCallContext returns context in which cc is the current call context.
func WithCallContext(ctx context.Context, cc *CallContext) context.Context {
	return context.WithValue(ctx, callCtxKey{}, cc)
}

// CallContextFrom returns current call context, or nil if ctx is not inside a container call.
func CallContextFrom(ctx context.Context) *CallContext {
	cc, _ := ctx.Value(callCtxKey{}).(*CallContext)
	return cc
}

// mustCallContext is like CallContextFrom but panics if there is no call context.
func mustCallContext(ctx context.Context) *CallContext {
	cc := CallContextFrom(ctx)
	if cc == nil {
		panic("entity: no call context")
	}
	return cc
}
