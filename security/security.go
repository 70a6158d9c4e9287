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

// Package security provides caller identity and authorization checks for the container.
//
// Caller identity (principal) is carried in context.Context - see
// WithPrincipal and PrincipalFrom. Authorization decisions are made by
// Service. Realm is Service backed by in-memory principal -> roles table;
// FileRealm loads such table from YAML file and reloads it on change.
package security

import (
	"context"
	"sort"
	"sync"
)

// Service decides whether a caller may invoke a method.
type Service interface {
	// IsCallerAuthorized returns whether principal has at least one of roles.
	//
	// A method that declares no roles is unchecked and anyone may call it.
	IsCallerAuthorized(ctx context.Context, principal string, roles []string) bool
}

// Unchecked is Service that authorizes everyone.
var Unchecked Service = unchecked{}

type unchecked struct{}

func (unchecked) IsCallerAuthorized(context.Context, string, []string) bool { return true }

// ---- principal in context ----

type principalKey struct{}

// WithPrincipal returns context carrying principal as caller identity.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns caller identity carried in ctx, or "".
func PrincipalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// ---- realm ----

// Realm is Service backed by principal -> roles table.
//
// It is safe to use Realm from multiple goroutines simultaneously.
type Realm struct {
	mu    sync.RWMutex
	roles map[string]map[string]bool // principal -> {role}
}

// NewRealm creates new realm with roles given to principals as in table.
func NewRealm(table map[string][]string) *Realm {
	r := &Realm{}
	r.Set(table)
	return r
}

// Set atomically replaces whole principal -> roles table.
func (r *Realm) Set(table map[string][]string) {
	roles := make(map[string]map[string]bool, len(table))
	for principal, rolev := range table {
		set := make(map[string]bool, len(rolev))
		for _, role := range rolev {
			set[role] = true
		}
		roles[principal] = set
	}

	r.mu.Lock()
	r.roles = roles
	r.mu.Unlock()
}

// Roles returns sorted roles of principal.
func (r *Realm) Roles(principal string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rolev []string
	for role := range r.roles[principal] {
		rolev = append(rolev, role)
	}
	sort.Strings(rolev)
	return rolev
}

// HasRole returns whether principal was given role.
func (r *Realm) HasRole(principal, role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[principal][role]
}

// IsCallerAuthorized implements Service.
func (r *Realm) IsCallerAuthorized(ctx context.Context, principal string, roles []string) bool {
	if len(roles) == 0 {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	have := r.roles[principal]
	for _, role := range roles {
		if have[role] {
			return true
		}
	}
	return false
}
