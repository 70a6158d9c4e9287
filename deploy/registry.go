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

package deploy

// deployment registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry keeps deployments by ID.
//
// Lookups do not take locks. It is safe to use Registry from multiple
// goroutines simultaneously.
type Registry struct {
	mu sync.Mutex // serializes writers
	m  sync.Map   // id -> *BeanContext
}

// DuplicateError is returned by Registry.Deploy if deployment with the same ID is already there.
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("deployment %q already exists", e.ID)
}

// Deploy adds bc to the registry.
func (r *Registry) Deploy(bc *BeanContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, loaded := r.m.LoadOrStore(bc.ID(), bc)
	if loaded {
		return &DuplicateError{ID: bc.ID()}
	}
	return nil
}

// Lookup returns deployment with id, or nil.
func (r *Registry) Lookup(id string) *BeanContext {
	v, ok := r.m.Load(id)
	if !ok {
		return nil
	}
	return v.(*BeanContext)
}

// Undeploy removes deployment with id from the registry and returns it.
//
// nil is returned if there was no such deployment.
func (r *Registry) Undeploy(id string) *BeanContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.m.LoadAndDelete(id)
	if !ok {
		return nil
	}
	return v.(*BeanContext)
}

// All returns all deployments ordered by ID.
func (r *Registry) All() []*BeanContext {
	var bcv []*BeanContext
	r.m.Range(func(_, v interface{}) bool {
		bcv = append(bcv, v.(*BeanContext))
		return true
	})
	sort.Slice(bcv, func(i, j int) bool {
		return bcv[i].ID() < bcv[j].ID()
	})
	return bcv
}
