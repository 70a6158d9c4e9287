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

// Package account provides bank account entity bean.
//
// Account is bean-managed: it loads and stores its state through a Store
// when the container asks it to. It is used by entityd and by tests of the
// container.
package account

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"

	"lab.nexedi.com/kirr/entity/deploy"
	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/txpolicy"
)

// DeploymentID is ID of account deployment made by Config.
const DeploymentID = "account"

// InsufficientFundsError is returned by Withdraw when balance is too low.
//
// It rolls back the transaction.
type InsufficientFundsError struct {
	ID      string
	Balance int64
	Amount  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("account %s: insufficient funds: balance %d < %d", e.ID, e.Balance, e.Amount)
}

// NotFoundError is returned by finders when nothing matches.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("account %s: not found", e.ID)
}

// InvalidAmountError is returned for non-positive amounts and negative balances.
type InvalidAmountError struct {
	Amount int64
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %d", e.Amount)
}

// Account is bank account entity bean.
type Account struct {
	store Store
	ectx  ejb.EntityContext

	// state of bound identity
	rec   Record
	dirty bool // rec changed since load
}

var _ ejb.EntityBean = (*Account)(nil)

// New returns constructor of account bean instances that keep their state in store.
func New(store Store) func() ejb.EntityBean {
	return func() ejb.EntityBean {
		return &Account{store: store}
	}
}

// Config returns deployment configuration of account bean backed by store.
//
// Withdraw requires role "teller" and Remove requires role "manager".
func Config(store Store) deploy.Config {
	return deploy.Config{
		ID:        DeploymentID,
		New:       New(store),
		Home:      []string{"Create", "FindByPrimaryKey", "FindByOwner", "FindAll", "Total"},
		LocalHome: []string{"Create", "FindByPrimaryKey"},
		Remote:    []string{"Deposit", "Withdraw", "Balance", "Owner"},
		Local:     []string{"Deposit", "Balance"},
		TxAttributes: map[string]txpolicy.Type{
			"*":          txpolicy.Required,
			"Balance":    txpolicy.Supports,
			"Owner":      txpolicy.Supports,
			"Home.Total": txpolicy.Supports,
		},
		Roles: map[string][]string{
			"Withdraw": {"teller"},
			"Remove":   {"manager"},
		},
		ApplicationErrors: map[reflect.Type]bool{
			reflect.TypeOf(&InsufficientFundsError{}): true,
		},
	}
}

func (a *Account) id(ctx context.Context) string {
	pk, _ := a.ectx.PrimaryKey(ctx).(string)
	return pk
}

// ---- lifecycle ----

func (a *Account) SetEntityContext(ctx context.Context, ectx ejb.EntityContext) error {
	a.ectx = ectx
	return nil
}

func (a *Account) UnsetEntityContext(ctx context.Context) error {
	a.ectx = nil
	return nil
}

func (a *Account) EjbActivate(ctx context.Context) error {
	a.rec = Record{ID: a.id(ctx)}
	a.dirty = false
	return nil
}

func (a *Account) EjbPassivate(ctx context.Context) error {
	a.rec = Record{}
	a.dirty = false
	return nil
}

func (a *Account) EjbLoad(ctx context.Context) error {
	rec, err := a.store.Load(ctx, a.id(ctx))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ejb.ErrNoSuchEntity
		}
		return err
	}
	a.rec = *rec
	a.dirty = false
	return nil
}

func (a *Account) EjbStore(ctx context.Context) error {
	if !a.dirty {
		return nil
	}
	err := a.store.Update(ctx, &a.rec)
	if err != nil {
		return err
	}
	a.dirty = false
	return nil
}

func (a *Account) EjbRemove(ctx context.Context) error {
	return a.store.Delete(ctx, a.id(ctx))
}

// ---- home ----

func (a *Account) EjbCreate(ctx context.Context, id, owner string, balance int64) (string, error) {
	if id == "" {
		return "", errors.New("account: create: empty id")
	}
	if balance < 0 {
		return "", &InvalidAmountError{balance}
	}

	rec := Record{ID: id, Owner: owner, Balance: balance}
	err := a.store.Insert(ctx, &rec)
	if err != nil {
		return "", err
	}
	a.rec = rec
	a.dirty = false
	return id, nil
}

func (a *Account) EjbPostCreate(ctx context.Context, id, owner string, balance int64) error {
	return nil
}

func (a *Account) EjbFindByPrimaryKey(ctx context.Context, id string) (string, error) {
	_, err := a.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", &NotFoundError{ID: id}
		}
		return "", err
	}
	return id, nil
}

func (a *Account) EjbFindByOwner(ctx context.Context, owner string) ([]string, error) {
	return a.store.List(ctx, owner)
}

func (a *Account) EjbFindAll(ctx context.Context) (iter.Seq[string], error) {
	idv, err := a.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	return func(yield func(string) bool) {
		for _, id := range idv {
			if !yield(id) {
				return
			}
		}
	}, nil
}

func (a *Account) EjbHomeTotal(ctx context.Context) (int64, error) {
	return a.store.Total(ctx)
}

// ---- business ----

// Deposit adds amount to the balance and returns new balance.
func (a *Account) Deposit(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, &InvalidAmountError{amount}
	}
	a.rec.Balance += amount
	a.dirty = true
	return a.rec.Balance, nil
}

// Withdraw takes amount from the balance and returns new balance.
func (a *Account) Withdraw(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, &InvalidAmountError{amount}
	}
	if amount > a.rec.Balance {
		return 0, &InsufficientFundsError{ID: a.rec.ID, Balance: a.rec.Balance, Amount: amount}
	}
	a.rec.Balance -= amount
	a.dirty = true
	return a.rec.Balance, nil
}

func (a *Account) Balance(ctx context.Context) (int64, error) {
	return a.rec.Balance, nil
}

func (a *Account) Owner(ctx context.Context) (string, error) {
	return a.rec.Owner, nil
}
