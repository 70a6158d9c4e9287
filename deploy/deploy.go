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

// Package deploy describes entity bean deployments to the container.
//
// A deployment is described by Config and turned into BeanContext by New.
// BeanContext is immutable: it holds the table that maps every method of
// the deployment's home and component interfaces to the bean method that
// implements it, together with transaction attribute and authorized roles
// of each method. The table is built once, at deploy time.
//
// Interface methods are matched to bean methods by name:
//
//	home      CreateX  ->  EjbCreateX + EjbPostCreateX
//	home      FindX    ->  EjbFindX
//	home      Remove   ->  EjbRemove
//	home      X        ->  EjbHomeX
//	component Remove   ->  EjbRemove
//	component X        ->  X
//
// Registry keeps deployments by ID.
package deploy

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/txpolicy"
)

// Config describes a deployment.
type Config struct {
	// ID identifies the deployment in the container.
	ID string

	// New creates new bean instance. All instances must be of the same type.
	New func() ejb.EntityBean

	// Reentrant allows an instance to be entered again by a call path
	// that is already inside it.
	Reentrant bool

	// Method names exposed via home, local home, remote and local interfaces.
	// Remove is always exposed on every interface that is present.
	Home      []string
	LocalHome []string
	Remote    []string
	Local     []string

	// TxAttributes gives transaction attribute of methods.
	//
	// Keys are either "Interface.Name" (e.g. "Remote.Deposit"), just
	// "Name", or "*" for the default. Without any match Required is used.
	TxAttributes map[string]txpolicy.Type

	// Roles gives roles allowed to call methods, keyed the same way as
	// TxAttributes. Methods without roles are unchecked.
	Roles map[string][]string

	// ApplicationErrors declares error types that mark the transaction
	// rollback-only when returned by bean code (value=true).
	ApplicationErrors map[reflect.Type]bool
}

// BeanContext is deployed bean: deployment descriptor with resolved method table.
type BeanContext struct {
	id        string
	newBean   func() ejb.EntityBean
	beanType  reflect.Type
	reentrant bool

	methods   map[ejb.Method]*BeanMethod
	appErrors map[reflect.Type]bool
}

// New builds BeanContext from cfg.
//
// Every exposed interface method must resolve to a bean method with valid signature.
func New(cfg Config) (_ *BeanContext, err error) {
	defer xerr.Contextf(&err, "deploy %q", cfg.ID)

	if cfg.ID == "" {
		return nil, errors.New("empty deployment id")
	}
	if cfg.New == nil {
		return nil, errors.New("no bean constructor")
	}
	bean := cfg.New()
	if bean == nil {
		return nil, errors.New("bean constructor returned nil")
	}

	bc := &BeanContext{
		id:        cfg.ID,
		newBean:   cfg.New,
		beanType:  reflect.TypeOf(bean),
		reentrant: cfg.Reentrant,
		methods:   make(map[ejb.Method]*BeanMethod),
		appErrors: make(map[reflect.Type]bool, len(cfg.ApplicationErrors)),
	}
	for typ, rollback := range cfg.ApplicationErrors {
		bc.appErrors[typ] = rollback
	}

	ifaces := []struct {
		typ   ejb.InterfaceType
		namev []string
	}{
		{ejb.Home, cfg.Home},
		{ejb.LocalHome, cfg.LocalHome},
		{ejb.Remote, cfg.Remote},
		{ejb.Local, cfg.Local},
	}
	for _, iface := range ifaces {
		if iface.namev == nil {
			continue
		}
		namev := append([]string{"Remove"}, iface.namev...)
		for _, name := range namev {
			m := ejb.Method{Interface: iface.typ, Name: name}
			if _, dup := bc.methods[m]; dup {
				if name == "Remove" {
					continue
				}
				return nil, fmt.Errorf("%s: duplicate method", m)
			}

			bm, err := bc.resolve(m)
			if err != nil {
				return nil, err
			}
			bm.TxType = lookupAttr(cfg.TxAttributes, m, txpolicy.Required)
			bm.Roles = lookupAttr(cfg.Roles, m, nil)
			if bm.PostCreate != nil {
				bm.PostCreate.TxType = bm.TxType
				bm.PostCreate.Roles = bm.Roles
			}
			bc.methods[m] = bm
		}
	}

	if len(bc.methods) == 0 {
		return nil, errors.New("no interfaces")
	}

	return bc, nil
}

// lookupAttr returns per-method attribute from table keyed by "Interface.Name", "Name" or "*".
func lookupAttr[V any](table map[string]V, m ejb.Method, dflt V) V {
	for _, key := range []string{m.String(), m.Name, "*"} {
		v, ok := table[key]
		if ok {
			return v
		}
	}
	return dflt
}

// ID returns deployment identifier.
func (bc *BeanContext) ID() string { return bc.id }

func (bc *BeanContext) String() string { return bc.id }

// IsReentrant returns whether the deployment allows reentrant calls.
func (bc *BeanContext) IsReentrant() bool { return bc.reentrant }

// BeanType returns type of bean instances.
func (bc *BeanContext) BeanType() reflect.Type { return bc.beanType }

// NewInstance creates new bean instance.
func (bc *BeanContext) NewInstance() (ejb.EntityBean, error) {
	bean := bc.newBean()
	if bean == nil || reflect.TypeOf(bean) != bc.beanType {
		return nil, fmt.Errorf("%s: new instance: got %T; want %s", bc.id, bean, bc.beanType)
	}
	return bean, nil
}

// MatchingBeanMethod returns bean method that implements interface method m.
//
// ok=false is returned if the deployment does not expose m.
func (bc *BeanContext) MatchingBeanMethod(m ejb.Method) (_ *BeanMethod, ok bool) {
	bm, ok := bc.methods[m]
	return bm, ok
}

// MatchingPostCreateMethod returns EjbPostCreateX that pairs with home method CreateX.
func (bc *BeanContext) MatchingPostCreateMethod(create ejb.Method) (_ *BeanMethod, ok bool) {
	bm, ok := bc.methods[create]
	if !ok || bm.PostCreate == nil {
		return nil, false
	}
	return bm.PostCreate, true
}

// TransactionType returns transaction attribute of interface method m.
func (bc *BeanContext) TransactionType(m ejb.Method) txpolicy.Type {
	bm, ok := bc.methods[m]
	if !ok {
		return txpolicy.Required
	}
	return bm.TxType
}

// AuthorizedRoles returns roles allowed to call interface method m.
//
// nil means the method is unchecked.
func (bc *BeanContext) AuthorizedRoles(m ejb.Method) []string {
	bm, ok := bc.methods[m]
	if !ok {
		return nil
	}
	return bm.Roles
}

// InterfaceMethods returns all exposed interface methods ordered by interface and name.
func (bc *BeanContext) InterfaceMethods() []ejb.Method {
	methodv := make([]ejb.Method, 0, len(bc.methods))
	for m := range bc.methods {
		methodv = append(methodv, m)
	}
	sort.Slice(methodv, func(i, j int) bool {
		a, b := methodv[i], methodv[j]
		if a.Interface != b.Interface {
			return a.Interface < b.Interface
		}
		return a.Name < b.Name
	})
	return methodv
}

// ExceptionType classifies err returned by bean code of this deployment.
func (bc *BeanContext) ExceptionType(err error) ejb.ExceptionType {
	typ := ejb.Classify(err)
	if typ != ejb.Application {
		return typ
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		if bc.appErrors[reflect.TypeOf(e)] {
			return ejb.ApplicationRollback
		}
	}
	return ejb.Application
}
