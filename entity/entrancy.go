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
// entrancy tracking

import (
	"context"
	"sync"

	"lab.nexedi.com/kirr/entity/deploy"
	"lab.nexedi.com/kirr/entity/ejb"
)

// entrancyKey identifies identity entered by a call path.
type entrancyKey struct {
	deployment string
	pk         interface{}
}

// entrancySet is set of entered identities.
type entrancySet struct {
	mu      sync.Mutex
	entered map[entrancyKey]struct{}
}

func newEntrancySet() *entrancySet {
	return &entrancySet{entered: make(map[entrancyKey]struct{})}
}

// add adds key to the set. It returns false if key was already there.
func (s *entrancySet) add(key entrancyKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, already := s.entered[key]; already {
		return false
	}
	s.entered[key] = struct{}{}
	return true
}

func (s *entrancySet) remove(key entrancyKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entered, key)
}

func (s *entrancySet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entered)
}

// txEntrancyKey is key of entrancySet among transaction resources.
type txEntrancyKey struct{}

// callEntrancyKey is key of entrancySet of the outermost container call in context.
type callEntrancyKey struct{}

// EntrancyTracker detects calls that enter an identity which is already
// being executed by the same call path.
//
// Entered identities are tracked per transaction. Calls that run with no
// transaction are tracked per outermost container call: the set lives in
// the context created by WithEntrancyScope, and, unlike the
// transaction-scoped set, it is cleaned only by Exit.
type EntrancyTracker struct{}

// WithEntrancyScope returns ctx with new call-scoped set of entered
// identities, unless ctx already has one.
func WithEntrancyScope(ctx context.Context) context.Context {
	if ctx.Value(callEntrancyKey{}) != nil {
		return ctx
	}
	return context.WithValue(ctx, callEntrancyKey{}, newEntrancySet())
}

// set returns set of entered identities for ctx, or nil if ctx has no scope for it.
func (t *EntrancyTracker) set(ctx context.Context) *entrancySet {
	if txn := activeTxn(ctx); txn != nil {
		s, _ := txn.LoadOrStoreResource(txEntrancyKey{}, newEntrancySet())
		return s.(*entrancySet)
	}
	s, _ := ctx.Value(callEntrancyKey{}).(*entrancySet)
	return s
}

// Enter marks identity pk of deployment bc as entered.
//
// It fails with *ejb.ReentrancyError application error if the identity is
// already entered, unless the deployment is reentrant. Calls without
// identity are not tracked.
func (t *EntrancyTracker) Enter(ctx context.Context, bc *deploy.BeanContext, pk interface{}) error {
	if bc.IsReentrant() || pk == nil {
		return nil
	}
	s := t.set(ctx)
	if s == nil {
		return nil
	}

	if !s.add(entrancyKey{deployment: bc.ID(), pk: pk}) {
		return &ejb.ApplicationError{Err: &ejb.ReentrancyError{DeploymentID: bc.ID(), PrimaryKey: pk}}
	}
	return nil
}

// Exit marks identity pk of deployment bc as not entered.
//
// Exiting identity that is not entered is noop.
func (t *EntrancyTracker) Exit(ctx context.Context, bc *deploy.BeanContext, pk interface{}) {
	if bc.IsReentrant() || pk == nil {
		return
	}
	s := t.set(ctx)
	if s == nil {
		return
	}
	s.remove(entrancyKey{deployment: bc.ID(), pk: pk})
}

// entered returns number of entered identities visible from ctx.
func (t *EntrancyTracker) entered(ctx context.Context) int {
	s := t.set(ctx)
	if s == nil {
		return 0
	}
	return s.len()
}
