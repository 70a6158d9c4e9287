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
// instance pool

import (
	"sync"

	"lab.nexedi.com/kirr/entity/deploy"
	"lab.nexedi.com/kirr/entity/ejb"
)

// Instance is bean instance managed by the container.
type Instance struct {
	Bean       ejb.EntityBean
	deployment *deploy.BeanContext
}

// instancePool is per-deployment stack of free instances.
//
// Instances in the pool have entity context set and are not bound to any identity.
type instancePool struct {
	mu     sync.Mutex
	free   []*Instance
	max    int  // ≤ 0: unbounded
	closed bool // deployment was undeployed
}

// pop takes most recently pooled instance, or returns nil if pool is empty.
func (p *instancePool) pop() *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := len(p.free)
	if l == 0 {
		return nil
	}
	inst := p.free[l-1]
	p.free[l-1] = nil
	p.free = p.free[:l-1]
	return inst
}

// push puts inst back into the pool.
//
// It returns false if the pool is full or closed, and inst was not taken.
func (p *instancePool) push(inst *Instance) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || (p.max > 0 && len(p.free) >= p.max) {
		return false
	}
	p.free = append(p.free, inst)
	return true
}

// len returns number of instances in the pool.
func (p *instancePool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// close marks the pool as closed and returns instances that were in it.
func (p *instancePool) close() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	free := p.free
	p.free = nil
	return free
}
