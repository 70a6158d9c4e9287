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

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"lab.nexedi.com/kirr/entity/deploy"
	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/internal/xtesting"
	"lab.nexedi.com/kirr/entity/txpolicy"
)

// tEnv is environment shared by counter bean instances of one test.
type tEnv struct {
	j *xtesting.Journal

	ninst atomic.Int32 // instances created so far

	mu   sync.Mutex
	data map[string]int64 // committed state: pk -> value
	fail map[string]error // callback -> error to fail it with once
	hook func(ctx context.Context) error

	loadHook func() // called by every load, if set
}

func newEnv() *tEnv {
	return &tEnv{
		j:    &xtesting.Journal{},
		data: make(map[string]int64),
		fail: make(map[string]error),
	}
}

// failOnce arranges callback op to fail with err next time it is called.
func (env *tEnv) failOnce(op string, err error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.fail[op] = err
}

func (env *tEnv) failure(op string) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	err := env.fail[op]
	delete(env.fail, op)
	return err
}

func (env *tEnv) get(pk string) (int64, bool) {
	env.mu.Lock()
	defer env.mu.Unlock()
	v, ok := env.data[pk]
	return v, ok
}

func (env *tEnv) put(pk string, v int64) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.data[pk] = v
}

func (env *tEnv) del(pk string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	delete(env.data, pk)
}

func (env *tEnv) keys() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	var keyv []string
	for k := range env.data {
		keyv = append(keyv, k)
	}
	sort.Strings(keyv)
	return keyv
}

// tCounter is bean-managed entity holding one int64 value per identity.
//
// Every callback is recorded to the journal as "#<instance> <what> [<pk>]".
type tCounter struct {
	env   *tEnv
	id    int32
	ectx  ejb.EntityContext
	value int64
}

// tNegativeError is declared to roll back the transaction.
type tNegativeError struct{ δ int64 }

func (e *tNegativeError) Error() string { return fmt.Sprintf("negative delta %d", e.δ) }

// tDuplicateError is returned by create of existing identity.
type tDuplicateError struct{ pk string }

func (e *tDuplicateError) Error() string { return fmt.Sprintf("%s: already exists", e.pk) }

// tNotFoundError is returned by finders.
type tNotFoundError struct{ pk string }

func (e *tNotFoundError) Error() string { return fmt.Sprintf("%s: not found", e.pk) }

func (b *tCounter) add(ctx context.Context, what string) error {
	pk := b.ectx.PrimaryKey(ctx)
	if pk == nil {
		b.env.j.Add("#%d %s", b.id, what)
	} else {
		b.env.j.Add("#%d %s %v", b.id, what, pk)
	}
	return b.env.failure(what)
}

func (b *tCounter) pk(ctx context.Context) string {
	return b.ectx.PrimaryKey(ctx).(string)
}

func (b *tCounter) SetEntityContext(ctx context.Context, ectx ejb.EntityContext) error {
	b.ectx = ectx
	b.id = b.env.ninst.Add(1)
	return b.add(ctx, "set-context")
}

func (b *tCounter) UnsetEntityContext(ctx context.Context) error {
	return b.add(ctx, "unset-context")
}

func (b *tCounter) EjbActivate(ctx context.Context) error  { return b.add(ctx, "activate") }
func (b *tCounter) EjbPassivate(ctx context.Context) error { return b.add(ctx, "passivate") }

func (b *tCounter) EjbLoad(ctx context.Context) error {
	err := b.add(ctx, "load")
	if err != nil {
		return err
	}
	if b.env.loadHook != nil {
		b.env.loadHook()
	}
	v, ok := b.env.get(b.pk(ctx))
	if !ok {
		return ejb.ErrNoSuchEntity
	}
	b.value = v
	return nil
}

func (b *tCounter) EjbStore(ctx context.Context) error {
	err := b.add(ctx, "store")
	if err != nil {
		return err
	}
	b.env.put(b.pk(ctx), b.value)
	return nil
}

func (b *tCounter) EjbRemove(ctx context.Context) error {
	err := b.add(ctx, "remove")
	if err != nil {
		return err
	}
	b.env.del(b.pk(ctx))
	return nil
}

func (b *tCounter) EjbCreate(ctx context.Context, pk string, v int64) (string, error) {
	b.env.j.Add("#%d create %s", b.id, pk)
	if _, ok := b.env.get(pk); ok {
		return "", &tDuplicateError{pk}
	}
	b.value = v
	b.env.put(pk, v)
	return pk, b.env.failure("create")
}

func (b *tCounter) EjbPostCreate(ctx context.Context, pk string, v int64) error {
	return b.add(ctx, "post-create")
}

func (b *tCounter) EjbFindByPrimaryKey(ctx context.Context, pk string) (string, error) {
	b.add(ctx, "find "+pk)
	if _, ok := b.env.get(pk); !ok {
		return "", &tNotFoundError{pk}
	}
	return pk, nil
}

func (b *tCounter) EjbFindAbove(ctx context.Context, min int64) ([]string, error) {
	b.add(ctx, "find-above")
	var pkv []string
	for _, pk := range b.env.keys() {
		if v, _ := b.env.get(pk); v > min {
			pkv = append(pkv, pk)
		}
	}
	return pkv, nil
}

func (b *tCounter) EjbFindAll(ctx context.Context) (iter.Seq[string], error) {
	b.add(ctx, "find-all")
	keyv := b.env.keys()
	return func(yield func(string) bool) {
		for _, pk := range keyv {
			if !yield(pk) {
				return
			}
		}
	}, nil
}

func (b *tCounter) EjbHomeTotal(ctx context.Context) (int64, error) {
	b.add(ctx, "total")
	total := int64(0)
	for _, pk := range b.env.keys() {
		v, _ := b.env.get(pk)
		total += v
	}
	return total, nil
}

func (b *tCounter) Get(ctx context.Context) (int64, error) {
	return b.value, b.add(ctx, "get")
}

func (b *tCounter) Add(ctx context.Context, δ int64) error {
	err := b.add(ctx, "add")
	if err != nil {
		return err
	}
	if δ < 0 {
		return &tNegativeError{δ}
	}
	b.value += δ
	return nil
}

func (b *tCounter) Fail(ctx context.Context) error {
	b.add(ctx, "fail")
	return errors.New("business failure")
}

func (b *tCounter) Crash(ctx context.Context) error {
	b.add(ctx, "crash")
	panic("counter is broken")
}

func (b *tCounter) Call(ctx context.Context) error {
	b.add(ctx, "call")
	return b.env.hook(ctx)
}

// tDeploy deploys counter bean with transaction attribute typ into c.
func tDeploy(t *testing.T, c *Container, env *tEnv, id string, typ txpolicy.Type, tweak ...func(*deploy.Config)) *deploy.BeanContext {
	t.Helper()
	cfg := deploy.Config{
		ID: id,
		New: func() ejb.EntityBean {
			return &tCounter{env: env}
		},
		Home:         []string{"Create", "FindByPrimaryKey", "FindAbove", "FindAll", "Total"},
		Remote:       []string{"Get", "Add", "Fail", "Crash", "Call"},
		LocalHome:    []string{"Create"},
		Local:        []string{"Get"},
		TxAttributes: map[string]txpolicy.Type{"*": typ},
		ApplicationErrors: map[reflect.Type]bool{
			reflect.TypeOf(&tNegativeError{}): true,
		},
	}
	for _, f := range tweak {
		f(&cfg)
	}

	bc, err := c.DeployConfig(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return bc
}

// tClient is handy wrapper to call counter deployment.
type tClient struct {
	t  *testing.T
	c  *Container
	id string
}

func (cl *tClient) invoke(ctx context.Context, iface ejb.InterfaceType, name string, pk interface{}, argv ...interface{}) (interface{}, error) {
	return cl.c.Invoke(ctx, &Invocation{
		DeploymentID: cl.id,
		Method:       ejb.Method{Interface: iface, Name: name},
		Args:         argv,
		PrimaryKey:   pk,
	})
}

func (cl *tClient) create(ctx context.Context, pk string, v int64) (ejb.ProxyInfo, error) {
	ret, err := cl.invoke(ctx, ejb.Home, "Create", nil, pk, v)
	if err != nil {
		return ejb.ProxyInfo{}, err
	}
	return ret.(ejb.ProxyInfo), nil
}

func (cl *tClient) get(ctx context.Context, pk string) (int64, error) {
	ret, err := cl.invoke(ctx, ejb.Remote, "Get", pk)
	if err != nil {
		return 0, err
	}
	return ret.(int64), nil
}

func (cl *tClient) add(ctx context.Context, pk string, δ int64) error {
	_, err := cl.invoke(ctx, ejb.Remote, "Add", pk, δ)
	return err
}

func (cl *tClient) remove(ctx context.Context, pk string) error {
	_, err := cl.invoke(ctx, ejb.Remote, "Remove", pk)
	return err
}

// must fails the test if err != nil.
func (cl *tClient) must(err error) {
	cl.t.Helper()
	if err != nil {
		cl.t.Fatal(err)
	}
}
