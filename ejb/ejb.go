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

// Package ejb defines the contract between an entity container and the beans it hosts.
//
// A bean is a Go type implementing EntityBean. Besides the lifecycle
// callbacks of EntityBean, a bean type declares its create, post-create,
// finder, home and business methods by naming convention:
//
//	interface method     bean method
//	----------------     -----------
//	Home.CreateX         EjbCreateX     -> (primary key, error)
//	                     EjbPostCreateX -> error
//	Home.FindX           EjbFindX       -> (primary key | []key | iter.Seq[any], error)
//	Home.X               EjbHomeX       -> ([result,] error)
//	Remote.X             X              -> ([result,] error)
//
// Every such method takes context.Context as its first argument. The
// context carries the call context of the invocation: bean code can query
// it through the EntityContext it was given in SetEntityContext, and must
// pass it on when calling into other beans.
//
// Errors returned by bean methods are application errors, unless they are
// or wrap *SystemError. A panic escaping a bean method is a system error.
package ejb

import (
	"context"
	"fmt"
)

// Operation tags what a call context is currently doing with a bean instance.
type Operation int

const (
	OpSetContext Operation = iota
	OpUnsetContext
	OpCreate
	OpPostCreate
	OpFind
	OpHome
	OpBusiness
	OpRemove
	OpLoad
	OpStore
	OpActivate
	OpPassivate
)

var opNames = [...]string{
	OpSetContext:   "set-context",
	OpUnsetContext: "unset-context",
	OpCreate:       "create",
	OpPostCreate:   "post-create",
	OpFind:         "find",
	OpHome:         "home",
	OpBusiness:     "business",
	OpRemove:       "remove",
	OpLoad:         "load",
	OpStore:        "store",
	OpActivate:     "activate",
	OpPassivate:    "passivate",
}

func (op Operation) String() string {
	if 0 <= op && int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Operation(%d)", int(op))
}

// InterfaceType tells through which client view a method is called.
type InterfaceType int

const (
	Remote    InterfaceType = iota // remote component (object) interface
	Local                          // local component (object) interface
	Home                           // remote home interface
	LocalHome                      // local home interface
)

func (t InterfaceType) String() string {
	switch t {
	case Remote:
		return "Remote"
	case Local:
		return "Local"
	case Home:
		return "Home"
	case LocalHome:
		return "LocalHome"
	}
	return fmt.Sprintf("InterfaceType(%d)", int(t))
}

// IsHome returns whether t is one of the home interfaces.
func (t InterfaceType) IsHome() bool {
	return t == Home || t == LocalHome
}

// Component returns object interface corresponding to home interface t.
//
// For object interfaces t itself is returned.
func (t InterfaceType) Component() InterfaceType {
	switch t {
	case Home:
		return Remote
	case LocalHome:
		return Local
	}
	return t
}

// Method identifies a method of a client view of a deployment.
type Method struct {
	Interface InterfaceType
	Name      string
}

func (m Method) String() string {
	return m.Interface.String() + "." + m.Name
}

// ProxyInfo describes a reference to one entity identity.
//
// The container returns ProxyInfo from create and find methods. Turning it
// into something callable is the business of the client side.
type ProxyInfo struct {
	DeploymentID string
	PrimaryKey   interface{}
	Interface    InterfaceType
}

func (p ProxyInfo) String() string {
	return fmt.Sprintf("%s[%v]@%s", p.DeploymentID, p.PrimaryKey, p.Interface)
}

// EntityBean is the lifecycle contract every entity bean implements.
//
// The container calls these methods, never the application.
type EntityBean interface {
	// SetEntityContext is called once after the instance is constructed
	// and before it serves any call.
	SetEntityContext(ctx context.Context, ectx EntityContext) error

	// UnsetEntityContext is called before the instance is thrown away.
	UnsetEntityContext(ctx context.Context) error

	// EjbActivate is called when a pooled instance is bound to an identity.
	EjbActivate(ctx context.Context) error

	// EjbPassivate is called before an instance bound to an identity goes
	// back to the pool.
	EjbPassivate(ctx context.Context) error

	// EjbLoad should refresh instance state from the underlying data.
	//
	// It should return ErrNoSuchEntity if the identity no longer exists.
	EjbLoad(ctx context.Context) error

	// EjbStore should write instance state to the underlying data.
	EjbStore(ctx context.Context) error

	// EjbRemove should delete the identity from the underlying data.
	EjbRemove(ctx context.Context) error
}

// EntityContext gives a bean instance access to its call context.
//
// All queries take the context passed to the bean method being run.
type EntityContext interface {
	// PrimaryKey returns identity the instance is currently serving.
	//
	// nil is returned while the instance serves home, create and find methods.
	PrimaryKey(ctx context.Context) interface{}

	// Operation returns what the container is currently doing with the instance.
	Operation(ctx context.Context) Operation

	// CallerPrincipal returns security identity of the caller.
	CallerPrincipal(ctx context.Context) string

	// IsCallerInRole returns whether the caller has role.
	IsCallerInRole(ctx context.Context, role string) bool

	// SetRollbackOnly marks current transaction for rollback.
	SetRollbackOnly(ctx context.Context) error

	// RollbackOnly returns whether current transaction is marked for rollback.
	RollbackOnly(ctx context.Context) (bool, error)
}
